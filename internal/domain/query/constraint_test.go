package query

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalKeyIgnoresFilterApplicationOrder(t *testing.T) {
	a := New("transactions").
		WithFilter("accountId", OpEqual, "acc-1").
		WithFilter("amount", OpGreater, 100).
		WithFilter("status", OpIn, []string{"posted", "pending"})
	b := New("transactions").
		WithFilter("status", OpIn, []string{"posted", "pending"}).
		WithFilter("accountId", OpEqual, "acc-1").
		WithFilter("amount", OpGreater, 100)

	require.Equal(t, a.CanonicalKey(), b.CanonicalKey())
	require.True(t, a.Equal(b))
}

func TestCanonicalKeyDistinguishesQueries(t *testing.T) {
	base := New("transactions").WithFilter("accountId", OpEqual, "acc-1")

	require.NotEqual(t, base.CanonicalKey(), base.WithCap(10).CanonicalKey())
	require.NotEqual(t, base.CanonicalKey(), base.WithOrdering("createdAt", Descending).CanonicalKey())
	require.NotEqual(t, base.CanonicalKey(), New("accounts").WithFilter("accountId", OpEqual, "acc-1").CanonicalKey())
	require.NotEqual(t,
		base.WithFilter("amount", OpGreater, 1).CanonicalKey(),
		base.WithFilter("amount", OpGreaterEqual, 1).CanonicalKey())
	require.NotEqual(t,
		New("t").WithFilter("n", OpEqual, "1").CanonicalKey(),
		New("t").WithFilter("n", OpEqual, 1).CanonicalKey())
}

func TestSameFieldFiltersAreOrderedDeterministically(t *testing.T) {
	a := New("transactions").WithFilter("amount", OpLess, 500).WithFilter("amount", OpGreater, 10)
	b := New("transactions").WithFilter("amount", OpGreater, 10).WithFilter("amount", OpLess, 500)
	require.Equal(t, a.CanonicalKey(), b.CanonicalKey())
}

func TestBuilderDoesNotMutateReceiver(t *testing.T) {
	base := New("accounts").WithFilter("ownerId", OpEqual, "u-1")
	key := base.CanonicalKey()

	first := base.WithFilter("type", OpEqual, "checking")
	second := base.WithFilter("type", OpEqual, "savings")

	require.Equal(t, key, base.CanonicalKey())
	require.Len(t, base.Filters(), 1)
	require.Equal(t, "checking", first.Filters()[1].Value)
	require.Equal(t, "savings", second.Filters()[1].Value)

	ordered := base.WithOrdering("balance", Descending)
	_ = ordered.WithOrdering("name", Ascending)
	ord, ok := ordered.Ordering()
	require.True(t, ok)
	require.Equal(t, "balance", ord.Field)
	_, ok = base.Ordering()
	require.False(t, ok)
}

func TestFiltersReturnsCopy(t *testing.T) {
	cs := New("accounts").WithFilter("ownerId", OpEqual, "u-1")
	filters := cs.Filters()
	filters[0].Value = "u-2"
	require.Equal(t, "u-1", cs.Filters()[0].Value)
}

func TestWithCap(t *testing.T) {
	cs := New("accounts").WithCap(25)
	n, ok := cs.Cap()
	require.True(t, ok)
	require.Equal(t, 25, n)

	_, ok = cs.WithCap(0).Cap()
	require.False(t, ok)
	require.Equal(t, New("accounts").CanonicalKey(), cs.WithCap(-3).CanonicalKey())
}

func TestCollectionOfKey(t *testing.T) {
	cs := New("ledger|entries").WithFilter("a", OpEqual, "b|c")
	require.Equal(t, "ledger|entries", CollectionOfKey(cs.CanonicalKey()))
	require.Equal(t, "accounts", CollectionOfKey(New("accounts").CanonicalKey()))
}

func TestBuild(t *testing.T) {
	cs := Build("accounts", func(base ConstraintSet) ConstraintSet {
		return base.WithFilter("ownerId", OpEqual, "u-1").WithCap(5)
	})
	require.Equal(t, "accounts", cs.Collection())
	require.Len(t, cs.Filters(), 1)
	require.Equal(t, New("accounts").CanonicalKey(), Build("accounts", nil).CanonicalKey())
}

func TestParseOperator(t *testing.T) {
	op, err := ParseOperator(" IN ")
	require.NoError(t, err)
	require.Equal(t, OpIn, op)

	op, err = ParseOperator("=")
	require.NoError(t, err)
	require.Equal(t, OpEqual, op)

	_, err = ParseOperator("~=")
	require.Error(t, err)
	require.Equal(t, Descending, ParseDirection("DESC"))
	require.Equal(t, Ascending, ParseDirection(""))
}

func TestZeroValueHasCanonicalKey(t *testing.T) {
	var cs ConstraintSet
	require.Equal(t, New("").CanonicalKey(), cs.CanonicalKey())
}
