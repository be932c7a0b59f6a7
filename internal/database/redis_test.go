package database

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestInitRedis_unreachable(t *testing.T) {
	viper.Set("redis.host", "127.0.0.1")
	viper.Set("redis.port", "1")
	defer func() {
		viper.Set("redis.host", nil)
		viper.Set("redis.port", nil)
	}()

	// Locking degrades to the process-local fallback instead of failing
	// startup when Redis is not there.
	rdb := InitRedis()
	assert.Nil(t, rdb)
}
