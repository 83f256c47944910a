// Package namespace derives physical queue identifiers from tenant
// identity. Every queue the broker touches goes through Queue, which is
// what makes cross-tenant addressing structurally impossible.
package namespace

// Queue returns the physical queue identifier for a tenant's logical job
// name. Deterministic and side-effect-free; used identically on the
// publish and subscribe paths.
func Queue(tenantID, jobName string) string {
	return tenantID + "/" + jobName
}
