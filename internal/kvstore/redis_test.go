package kvstore

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRedis(t *testing.T, mr *miniredis.Miniredis, prefix string) *Redis {
	t.Helper()
	s, err := OpenRedis(context.Background(), RedisConfig{Addr: mr.Addr(), Prefix: prefix})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedis_Contract(t *testing.T) {
	runContract(t, func(t *testing.T) Store {
		mr := miniredis.RunT(t)
		return openTestRedis(t, mr, "")
	})
}

func TestRedis_UsesPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	s := openTestRedis(t, mr, "dev1:")

	require.NoError(t, s.Put(context.Background(), "queue/len", []byte("3")))

	got, err := mr.Get("dev1:queue/len")
	require.NoError(t, err)
	assert.Equal(t, "3", got)
}

func TestRedis_ClearOnlyTouchesPrefix(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set("other:key", "keep"))
	s := openTestRedis(t, mr, "dev1:")

	require.NoError(t, s.Put(ctx, "a", []byte("1")))
	require.NoError(t, s.Clear(ctx))

	assert.False(t, mr.Exists("dev1:a"))
	assert.True(t, mr.Exists("other:key"))
}

func TestOpenRedis_Errors(t *testing.T) {
	_, err := OpenRedis(context.Background(), RedisConfig{})
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err = OpenRedis(context.Background(), RedisConfig{Addr: addr})
	assert.Error(t, err)
}

func TestOpen_Drivers(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{Driver: DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	_, err = Open(ctx, Config{Driver: DriverSQLite})
	assert.Error(t, err, "sqlite needs a path")

	_, err = Open(ctx, Config{Driver: "etcd"})
	assert.Error(t, err)

	s, err = Open(ctx, Config{Driver: DriverFile, Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &File{}, s)
}
