package memory

import (
	"testing"

	"github.com/greentrail/nudge-engine/internal/store"
	"github.com/greentrail/nudge-engine/internal/store/storetest"
)

func TestMemoryStore_Compliance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}
