package variables

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func fruitSchema(t *testing.T) *Schema {
	t.Helper()
	schema, err := NewSchema([]Definition{
		{Name: "fruits", Type: TypeInteger, Default: 0, MutableBy: []Actor{ActorEngine}, Tags: []Tag{TagLeaderboard}},
		{Name: "apples", Type: TypeInteger, Default: 0, MutableBy: []Actor{ActorEngine}, Constraints: Constraints{Min: ptr(0.0), Max: ptr(10.0)}},
		{Name: "nickname", Type: TypeString, Default: "", MutableBy: []Actor{ActorUser}, Constraints: Constraints{MaxLength: ptr(8)}},
		{Name: "city", Type: TypeString, Default: "paris", MutableBy: []Actor{ActorAPI}, Constraints: Constraints{Enum: []any{"paris", "rome"}}},
		{Name: "secret", Type: TypeFloat, Default: 1.5, Tags: []Tag{TagPrivate}},
		{Name: "picks", Type: TypeArray, Default: []any{}, MutableBy: []Actor{ActorUser}, Constraints: Constraints{ItemType: TypeInteger, MaxItems: ptr(2)}},
	})
	require.NoError(t, err)
	return schema
}

func TestNewStorePopulatesDefaults(t *testing.T) {
	store := NewStore(fruitSchema(t))

	v, err := store.Get("apples")
	require.NoError(t, err)
	n, ok := v.Int()
	assert.True(t, ok)
	assert.Equal(t, int64(0), n)

	v, err = store.Get("city")
	require.NoError(t, err)
	assert.Equal(t, String("paris"), v)
	assert.Equal(t, 6, store.Snapshot().Len())
}

func TestSetValidationOrder(t *testing.T) {
	store := NewStore(fruitSchema(t))

	err := store.Set("missing", 1, ActorEngine)
	assert.ErrorIs(t, err, ErrUnknownVariable)

	// permission is checked before type: a bad value from the wrong actor is still a permission error
	err = store.Set("apples", "not-a-number", ActorUser)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	err = store.Set("apples", "banana", ActorEngine)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	err = store.Set("apples", 11, ActorEngine)
	assert.ErrorIs(t, err, ErrConstraintViolation)

	require.NoError(t, store.Set("apples", "3", ActorEngine))
	v, _ := store.Get("apples")
	assert.Equal(t, Int(3), v)
}

func TestRejectedSetLeavesStoreUnchanged(t *testing.T) {
	store := NewStore(fruitSchema(t))
	require.NoError(t, store.Set("nickname", "bob", ActorUser))

	for _, actor := range []Actor{ActorAPI, ActorEngine} {
		err := store.Set("nickname", "mallory", actor)
		require.Error(t, err)
		var verr *Error
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, actor, verr.Actor)
	}
	assert.ErrorIs(t, store.Set("nickname", "far-too-long-name", ActorUser), ErrConstraintViolation)

	v, _ := store.Get("nickname")
	assert.Equal(t, String("bob"), v)
}

func TestConstantsCannotBeWritten(t *testing.T) {
	store := NewStore(fruitSchema(t))
	for _, actor := range []Actor{ActorUser, ActorAPI, ActorEngine} {
		assert.ErrorIs(t, store.Set("secret", 2.0, actor), ErrPermissionDenied)
	}
	v, _ := store.Get("secret")
	assert.Equal(t, Float(1.5), v)
}

func TestNumericStringsOnlyCoerceForNumericTypes(t *testing.T) {
	store := NewStore(fruitSchema(t))
	require.NoError(t, store.Set("nickname", 42, ActorUser))
	v, _ := store.Get("nickname")
	assert.Equal(t, String("42"), v)

	assert.ErrorIs(t, store.Set("apples", "2.5", ActorEngine), ErrTypeMismatch)
}

func TestArrayConstraints(t *testing.T) {
	store := NewStore(fruitSchema(t))
	require.NoError(t, store.Set("picks", []any{"1", 2}, ActorUser))
	v, _ := store.Get("picks")
	assert.Equal(t, Array(Int(1), Int(2)), v)

	assert.ErrorIs(t, store.Set("picks", []any{1, 2, 3}, ActorUser), ErrConstraintViolation)
	assert.ErrorIs(t, store.Set("picks", []any{"x"}, ActorUser), ErrTypeMismatch)
	assert.ErrorIs(t, store.Set("picks", 1, ActorUser), ErrTypeMismatch)
}

func TestEnumConstraint(t *testing.T) {
	store := NewStore(fruitSchema(t))
	require.NoError(t, store.Set("city", "rome", ActorAPI))
	assert.ErrorIs(t, store.Set("city", "berlin", ActorAPI), ErrConstraintViolation)
}

func TestImpliedTags(t *testing.T) {
	schema := fruitSchema(t)

	fruits, _ := schema.Lookup("fruits")
	assert.True(t, fruits.HasTag(TagScore))
	assert.True(t, fruits.HasTag(TagPublic))
	assert.True(t, fruits.SafeForAPI())

	nick, _ := schema.Lookup("nickname")
	assert.True(t, nick.HasTag(TagUserInput))
	assert.True(t, nick.HasTag(TagUntrusted))
	assert.False(t, nick.SafeForAPI())

	city, _ := schema.Lookup("city")
	assert.True(t, city.HasTag(TagAPIData))
	assert.True(t, city.SafeForAPI())

	secret, _ := schema.Lookup("secret")
	assert.True(t, secret.HasTag(TagImmutable))
}

func TestSchemaRejectsConflicts(t *testing.T) {
	_, err := NewSchema([]Definition{
		{Name: "a", Type: TypeInteger, Default: 0, Tags: []Tag{TagLeaderboard}},
		{Name: "b", Type: TypeInteger, Default: 0, Tags: []Tag{TagLeaderboard}},
		{Name: "c", Type: TypeString, Default: "", MutableBy: []Actor{ActorUser}, Tags: []Tag{TagSafeForAPI}},
		{Name: "d", Type: TypeInteger, Default: 0, Tags: []Tag{TagPublic, TagPrivate}},
		{Name: "e", Type: TypeInteger, Default: 99, Constraints: Constraints{Max: ptr(10.0)}},
		{Name: "a", Type: TypeInteger, Default: 0},
		{Name: "answer", Type: TypeInteger, Default: 0},
	})
	var serr *SchemaError
	require.ErrorAs(t, err, &serr)
	assert.Len(t, serr.Problems, 6)
}

func TestSchemaRejectsReservedNames(t *testing.T) {
	for _, name := range []string{"answer", "null", "None", "True", "False", "is", "if", "else", "for", "lambda"} {
		_, err := NewSchema([]Definition{{Name: name, Type: TypeInteger, Default: 0}})
		var serr *SchemaError
		assert.ErrorAs(t, err, &serr, name)
	}
	_, err := NewSchema([]Definition{{Name: "iffy", Type: TypeInteger, Default: 0}})
	assert.NoError(t, err)
}

func TestUntrustedEnumMayBeSafe(t *testing.T) {
	schema, err := NewSchema([]Definition{
		{Name: "choice", Type: TypeString, Default: "a", MutableBy: []Actor{ActorUser}, Tags: []Tag{TagUntrusted, TagSafeForAPI}, Constraints: Constraints{Enum: []any{"a", "b"}}},
	})
	require.NoError(t, err)
	v, _ := schema.Lookup("choice")
	assert.True(t, v.SafeForAPI())
}

func TestByTagAndLeaderboard(t *testing.T) {
	store := NewStore(fruitSchema(t))
	require.NoError(t, store.Set("fruits", 4, ActorEngine))

	scores := store.ByTag(TagScore)
	require.Len(t, scores, 1)
	assert.Equal(t, "fruits", scores[0].Name)

	lb, ok := store.LeaderboardVariable()
	require.True(t, ok)
	assert.Equal(t, Int(4), lb.Value)

	public := store.Public()
	assert.NotContains(t, public, "secret")
	assert.Equal(t, int64(4), public["fruits"])
}

func TestSnapshotIsImmutable(t *testing.T) {
	store := NewStore(fruitSchema(t))
	snap := store.Snapshot()
	require.NoError(t, store.Set("apples", 5, ActorEngine))

	v, _ := snap.Get("apples")
	assert.Equal(t, Int(0), v)
	v, _ = store.Get("apples")
	assert.Equal(t, Int(5), v)
}

func TestRestoreRoundTrip(t *testing.T) {
	schema := fruitSchema(t)
	store := NewStore(schema)
	require.NoError(t, store.Set("apples", 7, ActorEngine))
	require.NoError(t, store.Set("picks", []any{1}, ActorUser))

	// serialized snapshots come back as float64 after a JSON round trip
	raw := map[string]any{"apples": float64(7), "picks": []any{float64(1)}, "unknown": 1}
	restored, err := Restore(schema, raw)
	require.NoError(t, err)
	assert.Equal(t, store.Snapshot().Map(), restored.Snapshot().Map())
}
