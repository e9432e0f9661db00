package tracing

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
)

// Jaeger query API shapes (GET /api/traces).

type jaegerResponse struct {
	Data []jaegerTrace `json:"data"`
}

type jaegerTrace struct {
	TraceID   string                   `json:"traceID"`
	Spans     []jaegerSpan             `json:"spans"`
	Processes map[string]jaegerProcess `json:"processes"`
}

type jaegerSpan struct {
	TraceID       string            `json:"traceID"`
	SpanID        string            `json:"spanID"`
	OperationName string            `json:"operationName"`
	References    []jaegerReference `json:"references"`
	StartTime     int64             `json:"startTime"`
	Duration      int64             `json:"duration"`
	Tags          []jaegerKV        `json:"tags"`
	Logs          []jaegerLog       `json:"logs"`
	ProcessID     string            `json:"processID"`
}

type jaegerReference struct {
	RefType string `json:"refType"`
	TraceID string `json:"traceID"`
	SpanID  string `json:"spanID"`
}

type jaegerKV struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

type jaegerLog struct {
	Timestamp int64      `json:"timestamp"`
	Fields    []jaegerKV `json:"fields"`
}

type jaegerProcess struct {
	ServiceName string     `json:"serviceName"`
	Tags        []jaegerKV `json:"tags"`
}

func stringKV(key, value string) jaegerKV {
	return jaegerKV{Key: key, Type: "string", Value: value}
}

// ToJaegerJSON renders the completed-span log in the Jaeger query API
// shape. Traces are ordered by id; spans keep completion order.
func (t *Tracer) ToJaegerJSON() ([]byte, error) {
	return EncodeJaeger(t.Completed())
}

// EncodeJaeger renders spans in the Jaeger query API shape.
func EncodeJaeger(spans []CompletedSpan) ([]byte, error) {
	byTrace := make(map[TraceID][]CompletedSpan)
	var order []TraceID
	for _, s := range spans {
		if _, ok := byTrace[s.TraceID]; !ok {
			order = append(order, s.TraceID)
		}
		byTrace[s.TraceID] = append(byTrace[s.TraceID], s)
	}
	slices.Sort(order)

	resp := jaegerResponse{Data: make([]jaegerTrace, 0, len(order))}
	for _, id := range order {
		resp.Data = append(resp.Data, encodeTrace(id, byTrace[id]))
	}
	return json.Marshal(resp)
}

func encodeTrace(id TraceID, spans []CompletedSpan) jaegerTrace {
	jt := jaegerTrace{
		TraceID:   id.String(),
		Spans:     make([]jaegerSpan, 0, len(spans)),
		Processes: make(map[string]jaegerProcess),
	}
	processIDs := make(map[string]string)

	for _, s := range spans {
		pid, ok := processIDs[s.Service]
		if !ok {
			pid = "p" + strconv.Itoa(len(processIDs)+1)
			processIDs[s.Service] = pid
			jt.Processes[pid] = jaegerProcess{ServiceName: s.Service, Tags: []jaegerKV{}}
		}

		refs := []jaegerReference{}
		if s.ParentSpanID != 0 {
			refs = append(refs, jaegerReference{
				RefType: "CHILD_OF",
				TraceID: s.TraceID.String(),
				SpanID:  s.ParentSpanID.String(),
			})
		}

		tags := make([]jaegerKV, 0, len(s.Attributes))
		for _, a := range s.Attributes {
			tags = append(tags, stringKV(a.Key, a.Value))
		}

		logs := make([]jaegerLog, 0, len(s.Events))
		for _, e := range s.Events {
			fields := []jaegerKV{stringKV("event", e.Name)}
			for _, a := range e.Attributes {
				fields = append(fields, stringKV(a.Key, a.Value))
			}
			logs = append(logs, jaegerLog{Timestamp: e.Timestamp.UnixMicro(), Fields: fields})
		}

		jt.Spans = append(jt.Spans, jaegerSpan{
			TraceID:       s.TraceID.String(),
			SpanID:        s.SpanID.String(),
			OperationName: s.Operation,
			References:    refs,
			StartTime:     s.Start.UnixMicro(),
			Duration:      s.Duration.Microseconds(),
			Tags:          tags,
			Logs:          logs,
			ProcessID:     pid,
		})
	}
	return jt
}

// SpanRef is the identity of one exported span.
type SpanRef struct {
	TraceID      TraceID
	SpanID       SpanID
	ParentSpanID SpanID
	Operation    string
}

// ParseJaegerJSON reads the output of ToJaegerJSON back into span
// identities.
func ParseJaegerJSON(data []byte) ([]SpanRef, error) {
	var resp jaegerResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode jaeger json: %w", err)
	}

	var refs []SpanRef
	for _, tr := range resp.Data {
		for _, s := range tr.Spans {
			traceID, err := parseHexID(s.TraceID)
			if err != nil {
				return nil, fmt.Errorf("span %q: trace id: %w", s.SpanID, err)
			}
			spanID, err := parseHexID(s.SpanID)
			if err != nil {
				return nil, fmt.Errorf("span %q: span id: %w", s.SpanID, err)
			}
			ref := SpanRef{TraceID: TraceID(traceID), SpanID: SpanID(spanID), Operation: s.OperationName}
			for _, r := range s.References {
				if r.RefType != "CHILD_OF" {
					continue
				}
				parent, err := parseHexID(r.SpanID)
				if err != nil {
					return nil, fmt.Errorf("span %q: parent id: %w", s.SpanID, err)
				}
				ref.ParentSpanID = SpanID(parent)
				break
			}
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func parseHexID(s string) (uint64, error) {
	return strconv.ParseUint(s, 16, 64)
}
