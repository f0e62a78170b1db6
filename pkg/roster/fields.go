// SPDX-License-Identifier: AGPL-3.0-only

package roster

// Store field names for organization and employee documents.
const (
	FieldName               = "name"
	FieldCurrentEpoch       = "currentEpoch"
	FieldLastFinalizedEpoch = "lastFinalizedEpoch"

	FieldEmail           = "email"
	FieldStatusInOrg     = "statusInOrg"
	FieldPresentInLatest = "presentInLatest"
	FieldLastSeenEpoch   = "lastSeenEpoch"
	FieldSource          = "source"
	FieldLastEventID     = "lastEventId"

	FieldUpdatedAt = "updatedAt"
)

// OrgPath returns the organization document path.
func OrgPath(orgID string) string {
	return "orgs/" + orgID
}

// EmployeesPath returns the employee collection path for an organization.
func EmployeesPath(orgID string) string {
	return "orgs/" + orgID + "/employees"
}
