package memory_test

import (
	"testing"

	"github.com/fieldkit/mcpcore/internal/storage"
	"github.com/fieldkit/mcpcore/internal/storage/conformance"
	"github.com/fieldkit/mcpcore/internal/storage/memory"
)

func TestBackendConformance(t *testing.T) {
	conformance.Run(t, func(t *testing.T) storage.Backend {
		return memory.New()
	})
}
