// Package sign talks to the document-signing service's REST API. One Client
// per target org; retries, pagination, request fan-out limits, and the
// between-run user snapshot cache all live here so the engine only sees the
// SignConnector interface.
package sign
