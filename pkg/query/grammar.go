package query

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var sqlLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `--[^\n]*`},
	{Name: "String", Pattern: `'(?:[^']|'')*'`},
	{Name: "Number", Pattern: `[0-9]+(?:\.[0-9]+)?(?:[eE][-+]?[0-9]+)?`},
	{Name: "QuotedIdent", Pattern: `"(?:[^"]|"")+"`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_]*`},
	{Name: "Operator", Pattern: `<>|!=|<=|>=|\|\||[-+*/%=<>(),.;]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var sqlParser = participle.MustBuild[gSelect](
	participle.Lexer(sqlLexer),
	participle.Elide("Whitespace", "Comment"),
	participle.CaseInsensitive("Ident"),
	participle.UseLookahead(4),
)

type gSelect struct {
	Star  bool     `parser:"\"select\" ( @\"*\""`
	Items []*gItem `parser:"          | @@ ( \",\" @@ )* )"`
	From  *gSource `parser:"\"from\" @@"`
	Where *gExpr   `parser:"( \"where\" @@ )?"`
	Limit *int     `parser:"( \"limit\" @Number )?"`
	Semi  bool     `parser:"@\";\"?"`
}

type gItem struct {
	Expr  *gExpr `parser:"@@"`
	Alias string `parser:"( \"as\" @(Ident | QuotedIdent) )?"`
}

type gSource struct {
	Sub    *gSelect `parser:"(  \"(\" @@ \")\""`
	Alias  string   `parser:"   \"as\"? @(Ident | QuotedIdent)"`
	Entity string   `parser:" | @(Ident | QuotedIdent) )"`
}

type gExpr struct {
	Or []*gAnd `parser:"@@ ( \"or\" @@ )*"`
}

type gAnd struct {
	And []*gNot `parser:"@@ ( \"and\" @@ )*"`
}

type gNot struct {
	Not  *gNot  `parser:"  \"not\" @@"`
	Pred *gPred `parser:"| @@"`
}

type gPred struct {
	Left    *gAdd     `parser:"@@"`
	Compare *gCompare `parser:"( @@"`
	IsNull  *gIsNull  `parser:"| @@"`
	Between *gBetween `parser:"| @@"`
	In      *gIn      `parser:"| @@"`
	Like    *gLike    `parser:"| @@ )?"`
}

type gCompare struct {
	Op    string `parser:"@( \"<>\" | \"!=\" | \"<=\" | \">=\" | \"=\" | \"<\" | \">\" )"`
	Right *gAdd  `parser:"@@"`
}

type gIsNull struct {
	Not bool `parser:"\"is\" @\"not\"? \"null\""`
}

type gBetween struct {
	Not bool  `parser:"@\"not\"? \"between\""`
	Lo  *gAdd `parser:"@@"`
	Hi  *gAdd `parser:"\"and\" @@"`
}

type gIn struct {
	Not  bool     `parser:"@\"not\"? \"in\""`
	List []*gExpr `parser:"\"(\" @@ ( \",\" @@ )* \")\""`
}

type gLike struct {
	Not     bool  `parser:"@\"not\"? \"like\""`
	Pattern *gAdd `parser:"@@"`
}

type gAdd struct {
	Head *gMul     `parser:"@@"`
	Tail []*gAddOp `parser:"@@*"`
}

type gAddOp struct {
	Op  string `parser:"@( \"+\" | \"-\" | \"||\" )"`
	Mul *gMul  `parser:"@@"`
}

type gMul struct {
	Head *gUnary   `parser:"@@"`
	Tail []*gMulOp `parser:"@@*"`
}

type gMulOp struct {
	Op    string  `parser:"@( \"*\" | \"/\" | \"%\" )"`
	Unary *gUnary `parser:"@@"`
}

type gUnary struct {
	Neg     *gUnary   `parser:"  \"-\" @@"`
	Primary *gPrimary `parser:"| @@"`
}

type gPrimary struct {
	Number *string  `parser:"  @Number"`
	String *string  `parser:"| @String"`
	Bool   *string  `parser:"| @( \"true\" | \"false\" )"`
	Null   bool     `parser:"| @\"null\""`
	Typed  *gTyped  `parser:"| @@"`
	Call   *gCall   `parser:"| @@"`
	Column *gColumn `parser:"| @@"`
	Sub    *gExpr   `parser:"| \"(\" @@ \")\""`
}

type gTyped struct {
	Type  string `parser:"@( \"date\" | \"timestamp\" | \"interval\" )"`
	Value string `parser:"@String"`
}

type gCall struct {
	Name     string   `parser:"@Ident \"(\""`
	Star     bool     `parser:"( @\"*\""`
	Distinct bool     `parser:"| @\"distinct\"?"`
	Args     []*gExpr `parser:"  ( @@ ( \",\" @@ )* )? ) \")\""`
}

type gColumn struct {
	Parts []string `parser:"@(Ident | QuotedIdent) ( \".\" @(Ident | QuotedIdent) )*"`
}
