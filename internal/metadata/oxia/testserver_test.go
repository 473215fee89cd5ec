package oxia

import (
	"os"
	"testing"
	"time"

	"github.com/oxia-db/oxia/oxiad/dataserver"
)

// testOxiaAddressEnv points the integration tests at a running Oxia
// cluster instead of an embedded standalone server.
const testOxiaAddressEnv = "ZONEGRID_TEST_OXIA_ADDRESS"

// startTestServer returns the address of an Oxia service for this test,
// starting an embedded standalone server unless testOxiaAddressEnv is set.
func startTestServer(t *testing.T) string {
	t.Helper()

	if addr := os.Getenv(testOxiaAddressEnv); addr != "" {
		t.Logf("using external Oxia at %s", addr)
		return addr
	}

	standalone, err := dataserver.NewStandalone(dataserver.NewTestConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("start standalone oxia: %v", err)
	}
	t.Cleanup(func() { _ = standalone.Close() })
	return standalone.ServiceAddr()
}

func newTestStore(t *testing.T, sessionTimeout time.Duration) *Store {
	t.Helper()

	store, err := New(t.Context(), Config{
		ServiceAddress: startTestServer(t),
		Namespace:      "default",
		RequestTimeout: 10 * time.Second,
		SessionTimeout: sessionTimeout,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
