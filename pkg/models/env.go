package models

// Environment variable names injected into every sandbox container. The
// worker writes them at container creation; the agent runtime reads them at
// boot. Names are part of the sandbox contract and must not drift.
const (
	EnvAPIURL               = "TSBX_API_URL"
	EnvSandboxID            = "SANDBOX_ID"
	EnvSandboxDir           = "TSBX_SANDBOX_DIR"
	EnvToken                = "TSBX_TOKEN"
	EnvPrincipal            = "TSBX_PRINCIPAL"
	EnvPrincipalType        = "TSBX_PRINCIPAL_TYPE"
	EnvHostName             = "TSBX_HOST_NAME"
	EnvHostURL              = "TSBX_HOST_URL"
	EnvInferenceURL         = "TSBX_INFERENCE_URL"
	EnvInferenceModel       = "TSBX_INFERENCE_MODEL"
	EnvInferenceAPIKey      = "TSBX_INFERENCE_API_KEY"
	EnvInferenceTimeoutSecs = "TSBX_INFERENCE_TIMEOUT_SECS"
	EnvRequestCreatedAt     = "TSBX_REQUEST_CREATED_AT"
	EnvHasSetup             = "TSBX_HAS_SETUP"
)
