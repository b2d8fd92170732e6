package constants

// ResourcePrefixHeader routes every call to the database it targets.
const ResourcePrefixHeader = "google-cloud-resource-prefix"

const (
	DefaultDatabaseID = "(default)"
	DocumentsSuffix   = "documents"

	// TargetID is the only listen target a subscription adds.
	TargetID int32 = 1
)

const (
	EmulatorHostEnv    = "FIRESTORE_EMULATOR_HOST"
	ProjectIDEnv       = "GOOGLE_CLOUD_PROJECT"
	CredentialsFileEnv = "GOOGLE_APPLICATION_CREDENTIALS"
)
