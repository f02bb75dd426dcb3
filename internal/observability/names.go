// Package observability provides OpenTelemetry metrics and tracing, and log enrichment.
package observability

// Metric names (Prometheus / OpenTelemetry).
const (
	MetricNameDocumentsIngested      = "roirag_documents_ingested_total"
	MetricNameDocumentsSkipped       = "roirag_documents_skipped_total"
	MetricNameQueries                = "roirag_query_total"
	MetricNameQueryStageDuration     = "roirag_query_stage_duration_seconds"
	MetricNameAnalysisParseFailures  = "roirag_analysis_parse_failures_total"
	MetricNameCacheHits              = "roirag_cache_hits_total"
	MetricNameCacheMisses            = "roirag_cache_misses_total"
	MetricNameRequestBodyTooLarge    = "roirag_request_body_too_large_total"
	MetricNameHTTPRequests           = "roirag_http_requests_total"
	MetricNameHTTPRequestDuration    = "roirag_http_request_duration_seconds"
	MetricNameServiceRetries         = "roirag_service_retries_total"
)

// Attribute keys.
const (
	AttrReason  = "reason"
	AttrStatus  = "status"
	AttrStage   = "stage"
	AttrService = "service"
)

// AllowedSkipReasons for roirag_documents_skipped_total.
var AllowedSkipReasons = map[string]bool{
	"null_record":        true,
	"missing_text":       true,
	"missing_embedding":  true,
	"dimension_mismatch": true,
	"invalid_field":      true,
	"embedding_failed":   true,
}

// AllowedStages for roirag_query_stage_duration_seconds.
var AllowedStages = map[string]bool{
	"embed_question":   true,
	"search":           true,
	"assemble_context": true,
	"build_prompt":     true,
	"call_analysis":    true,
}

// AllowedStatuses for roirag_query_total.
var AllowedStatuses = map[string]bool{
	"success": true,
	"error":   true,
}

// AllowedCacheNames for the cache hit/miss counters.
var AllowedCacheNames = map[string]bool{
	"query_embedding": true,
}

// AllowedServices for roirag_service_retries_total.
var AllowedServices = map[string]bool{
	"embedding": true,
	"store":     true,
	"analysis":  true,
}

// NormalizeReason returns reason if in allowed, otherwise "other".
func NormalizeReason(reason string, allowed map[string]bool) string {
	if allowed[reason] {
		return reason
	}

	return "other"
}

// NormalizeCacheName returns name if it is a known cache, otherwise "other".
func NormalizeCacheName(name string) string {
	return NormalizeReason(name, AllowedCacheNames)
}
