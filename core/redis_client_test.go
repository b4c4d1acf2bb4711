package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetRedisDBName(t *testing.T) {
	tests := []struct {
		name     string
		db       int
		expected string
	}{
		{"Executions", RedisDBExecutions, "Executions"},
		{"CircuitState", RedisDBCircuitState, "Circuit State"},
		{"TaskQueue", RedisDBTaskQueue, "Task Queue"},
		{"Unnamed", 9, "DB 9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetRedisDBName(tt.db))
		})
	}
}
