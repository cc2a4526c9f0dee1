package memory

import (
	"testing"

	"github.com/t77yq/clusterd/internal/store"
	"github.com/t77yq/clusterd/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New()
	})
}
