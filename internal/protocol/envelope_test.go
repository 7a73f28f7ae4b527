package protocol

import "testing"

func TestHealthCheckMarker(t *testing.T) {
	req := TaskRequest{WorkerID: "m1", Data: HealthCheckData()}
	if !req.IsHealthCheck() {
		t.Fatal("expected health-check marker to be detected")
	}
	for _, data := range []map[string]any{
		nil,
		{},
		{"type": "OTHER"},
		{"type": 42},
	} {
		if (TaskRequest{WorkerID: "m1", Data: data}).IsHealthCheck() {
			t.Fatalf("false positive for data=%v", data)
		}
	}
}

func TestErrorResponse(t *testing.T) {
	resp := ErrorResponse("m1", "boom")
	if resp.Success {
		t.Fatal("error response must not be success")
	}
	if resp.WorkerID != "m1" {
		t.Fatalf("worker_id: got %q", resp.WorkerID)
	}
	if resp.ErrorMessage() != "boom" {
		t.Fatalf("error message: got %q", resp.ErrorMessage())
	}
}

func TestParseRequestBadJSON(t *testing.T) {
	if _, err := ParseRequest([]byte("not json")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseResponseFields(t *testing.T) {
	resp, err := ParseResponse([]byte(`{"worker_id":"m1","data":{"y":2},"success":true}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.WorkerID != "m1" || !resp.Success {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if v, ok := resp.Data["y"].(float64); !ok || v != 2 {
		t.Fatalf("data: %v", resp.Data)
	}
}
