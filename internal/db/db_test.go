package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/vdavid/mailguard/internal/config"
)

func TestNewConnectionInvalidConfig(t *testing.T) {
	cfg := &config.Config{
		DBHost:      "invalid-host-that-does-not-exist",
		DBPort:      "5432",
		DBUsername:  "invalid",
		DBPassword:  "invalid",
		DBName:      "invalid",
		DBSSLMode:   "disable",
		ScanWorkers: 1,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewConnection(ctx, cfg)
	assert.Error(t, err)
}

func TestCloseConnection(t *testing.T) {
	assert.NotPanics(t, func() { CloseConnection(nil) })
}
