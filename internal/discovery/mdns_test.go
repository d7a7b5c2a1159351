// ABOUTME: Tests for mDNS advertisement
// ABOUTME: Tests manager construction and shutdown
package discovery

import (
	"testing"
)

func TestNewManager(t *testing.T) {
	config := Config{
		ServiceName: "Test Proxy",
		Port:        8765,
	}

	mgr := NewManager(config)
	if mgr == nil {
		t.Fatal("expected manager to be created")
	}

	if mgr.config.ServiceName != "Test Proxy" {
		t.Errorf("expected service name Test Proxy, got %s", mgr.config.ServiceName)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	mgr := NewManager(Config{ServiceName: "Test Proxy", Port: 8765})

	mgr.Stop()
	mgr.Stop()

	select {
	case <-mgr.ctx.Done():
	default:
		t.Error("expected context to be canceled after Stop")
	}
}
