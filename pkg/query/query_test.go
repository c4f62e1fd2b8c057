package query

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "SELECT discount FROM lineitem", "select discount from lineitem"},
		{"star", "select * from lineitem", "select * from lineitem"},
		{"alias", "select l_discount as discount from lineitem", "select l_discount as discount from lineitem"},
		{"where and limit", "select a from t where a > 5 and b = 'x' limit 10", "select a from t where a > 5 and b = 'x' limit 10"},
		{"not equal normalized", "select a from t where a != 1", "select a from t where a <> 1"},
		{"arithmetic", "select a*100 as p, (b+1)/2 from t", "select a * 100 as p, (b + 1) / 2 from t"},
		{"call", "select count(*), max(distinct a) from t", "select count(*), max(distinct a) from t"},
		{"predicates", "select a from t where a is not null and b between 1 and 2 and c not in (1, 2) and d like 'x%'",
			"select a from t where a is not null and b between 1 and 2 and c not in (1, 2) and d like 'x%'"},
		{"typed literal", "select a from t where d >= DATE '1998-01-01'", "select a from t where d >= date '1998-01-01'"},
		{"subquery", "select x from (select a as x from t where a > 1) as s limit 3", "select x from (select a as x from t where a > 1) as s limit 3"},
		{"quoted ident", `select "MixedCase" from t`, "select MixedCase from t"},
		{"semicolon", "select a from t;", "select a from t"},
		{"comment", "select a -- trailing\nfrom t", "select a from t"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.String())
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "select", "select a", "delete from t", "select a from t where"} {
		_, err := Parse(in)
		require.Error(t, err, in)
		assert.True(t, errors.Is(err, ErrInvalidQuery), in)
	}
}

func TestEntityName(t *testing.T) {
	s := MustParse("select x from (select y as x from (select z as y from inner_entity) as a) as b")
	assert.Equal(t, "inner_entity", s.EntityName())
	assert.Equal(t, "select z as y from inner_entity", s.Innermost().String())

	replaced := s.WithInnermost(MustParse("select q as y from other"))
	assert.Equal(t, "select x from (select y as x from (select q as y from other) as a) as b", replaced.String())
	assert.Equal(t, "inner_entity", s.EntityName(), "original is untouched")
}

func TestItemName(t *testing.T) {
	s := MustParse("select a, b as c, a + 1 from t")
	assert.Equal(t, "a", s.Items[0].Name())
	assert.Equal(t, "c", s.Items[1].Name())
	assert.Equal(t, "", s.Items[2].Name())
}

func TestColumnsAndRewrite(t *testing.T) {
	s := MustParse("select a from t where discount > 5 and t.b in (c, 1)")

	var names []string
	for _, c := range Columns(s.Where) {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"discount", "b", "c"}, names)

	rewritten, err := RewriteColumns(s.Where, func(c *Column) (Expr, error) {
		if c.Name == "discount" {
			return &Raw{SQL: "(discount_percent*100)"}, nil
		}
		return &Column{Name: c.Name + "_src"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "(discount_percent*100) > 5 and b_src in (c_src, 1)", rewritten.String())
	assert.Equal(t, "discount > 5 and t.b in (c, 1)", s.Where.String())

	_, err = RewriteColumns(s.Where, func(*Column) (Expr, error) { return nil, errors.New("boom") })
	require.Error(t, err)
}

func TestAnd(t *testing.T) {
	a, err := ParseExpr("a > 1 or b < 2")
	require.NoError(t, err)
	b, err := ParseExpr("region = 'eu'")
	require.NoError(t, err)

	assert.Nil(t, And())
	assert.Equal(t, "(a > 1 or b < 2)", And(a, nil).String())
	assert.Equal(t, "(a > 1 or b < 2) and (region = 'eu')", And(a, b).String())
}

func TestRawSQLSource(t *testing.T) {
	s := &Select{
		Items: []Item{{Expr: &Column{Name: "a"}}},
		From:  Source{SQL: "select * from raw_t", Alias: "src"},
	}
	assert.Equal(t, "select a from (select * from raw_t) as src", s.String())
	assert.Equal(t, "src", s.EntityName())
}
