// Package testutil starts the container-backed dependencies used by the
// integration tests.
package testutil

import (
	"os"
	"testing"
)

// IntegrationEnv enables the container-backed tests when set to "1".
const IntegrationEnv = "RESEARCHFLOW_INTEGRATION"

// RequireIntegration skips t unless container-backed tests were requested.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() || os.Getenv(IntegrationEnv) != "1" {
		t.Skipf("set %s=1 to run container-backed tests", IntegrationEnv)
	}
}
