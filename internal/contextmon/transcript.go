package contextmon

import "encoding/json"

// transcriptRecord is the handful of fields ParseTranscript needs out
// of one line of the runtime's transcript. Extraction is tolerant,
// field-by-field, the way the teacher's supervisor.ReportParser pulls
// fields out of a loosely-typed map rather than unmarshaling into a
// strict struct — the runtime's transcript schema is outside this
// module's control and grows fields over time.
type transcriptRecord struct {
	recordType    string
	hasUsage      bool
	input         int64
	cacheCreation int64
	cacheRead     int64
}

// parseRecordLine decodes one JSONL line into the fields the monitor
// cares about, returning ok=false for any malformed or irrelevant line
// so the caller can skip it silently.
func parseRecordLine(line string) (transcriptRecord, bool) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return transcriptRecord{}, false
	}

	recordType, _ := raw["type"].(string)
	record := transcriptRecord{recordType: recordType}

	usage, ok := raw["usage"].(map[string]interface{})
	if !ok || len(usage) == 0 {
		return record, true
	}
	record.hasUsage = true
	record.input = intField(usage, "input_tokens")
	record.cacheCreation = intField(usage, "cache_creation_input_tokens")
	record.cacheRead = intField(usage, "cache_read_input_tokens")
	return record, true
}

// intField tolerates both JSON numbers (float64 after decode) and
// pre-converted ints, since callers may synthesize records for tests.
func intField(m map[string]interface{}, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}
