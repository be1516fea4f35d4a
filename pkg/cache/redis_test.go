package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/storefront-api/pkg/config"
)

func TestOptions(t *testing.T) {
	opts := Options(config.RedisConfig{Host: "redis", Port: 6380, Password: "pw", DB: 2})
	assert.Equal(t, "redis:6380", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 2, opts.DB)
}
