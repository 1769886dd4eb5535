package store

// Entity prefixes. Public-cloud accounts share one table and partition
// operational records under ACCOUNT#<id>; private-cloud accounts get a
// dedicated table partitioned by entity (BUILD_JOB#LIST, INBOX#LIST, ...).
const (
	EntityAccount    = "ACCOUNT"
	EntityLicense    = "LICENSE"
	EntityUser       = "USER"
	EntityPipeline   = "PIPELINE"
	EntityBuildJob   = "BUILD_JOB"
	EntityExecution  = "EXECUTION"
	EntityInbox      = "INBOX"
	EntityCredential = "CREDENTIAL"
	EntityAudit      = "NOTIFICATION_AUDIT"
)

// AccountPK is the account-scoped partition key used in the shared table.
func AccountPK(accountID string) string {
	return EntityAccount + "#" + accountID
}

// ListPK is the entity-scoped partition key used in dedicated tables.
func ListPK(entity string) string {
	return entity + "#LIST"
}

// SortKey joins an entity prefix and an id: "EXECUTION#<eid>".
func SortKey(entity, id string) string {
	return entity + "#" + id
}

// MetadataSK marks the single metadata row of a partition.
const MetadataSK = "METADATA"

// EndOfRange is appended to the upper bound of a BETWEEN query so the range
// is inclusive of every sort key sharing the end prefix.
const EndOfRange = "￿"
