package db

import (
	"net"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/payment-service/pkg/config"
)

func TestConnectRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	rdb, err := ConnectRedis(config.RedisConfig{Host: host, Port: port})

	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	assert.Equal(t, mr.Addr(), rdb.Options().Addr)
}

func TestConnectRedis_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	host, portStr, _ := net.SplitHostPort(mr.Addr())
	port, _ := strconv.Atoi(portStr)
	mr.Close()

	_, err := ConnectRedis(config.RedisConfig{Host: host, Port: port})

	assert.Error(t, err)
}
