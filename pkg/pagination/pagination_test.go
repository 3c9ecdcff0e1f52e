package pagination

import (
	"encoding/json"
	"testing"
)

func TestNewMeta_FirstPage(t *testing.T) {
	m := NewMeta(45, 1, 10)

	if m.TotalPages != 5 {
		t.Errorf("expected 5 total pages, got %d", m.TotalPages)
	}
	if !m.HasNextPage {
		t.Error("expected HasNextPage on first of five pages")
	}
	if m.HasPrevPage {
		t.Error("expected no previous page on page 1")
	}
}

func TestNewMeta_LastPage(t *testing.T) {
	m := NewMeta(45, 5, 10)

	if m.HasNextPage {
		t.Error("expected no next page on last page")
	}
	if !m.HasPrevPage {
		t.Error("expected previous page on page 5")
	}
}

func TestNewMeta_Empty(t *testing.T) {
	m := NewMeta(0, 1, 20)

	if m.TotalPages != 0 {
		t.Errorf("expected 0 total pages, got %d", m.TotalPages)
	}
	if m.HasNextPage || m.HasPrevPage {
		t.Error("expected no neighbours for an empty result")
	}
}

func TestNewMeta_ClampsPage(t *testing.T) {
	m := NewMeta(10, 0, 5)
	if m.Page != 1 {
		t.Errorf("expected page clamped to 1, got %d", m.Page)
	}
}

func TestNewMeta_ZeroLimit(t *testing.T) {
	m := NewMeta(10, 1, 0)
	if m.TotalPages != 0 {
		t.Errorf("expected 0 pages for zero limit, got %d", m.TotalPages)
	}
}

func TestPaginated_JSONShape(t *testing.T) {
	env := Paginated([]string{"a"}, NewMeta(1, 1, 10), "")
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["success"] != true {
		t.Errorf("expected success=true, got %v", out["success"])
	}
	if out["message"] != "Success" {
		t.Errorf("expected default message, got %v", out["message"])
	}
	p, ok := out["pagination"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected pagination object, got %T", out["pagination"])
	}
	for _, key := range []string{"total", "page", "limit", "totalPages", "hasNextPage", "hasPrevPage"} {
		if _, ok := p[key]; !ok {
			t.Errorf("expected pagination key %q", key)
		}
	}
}

func TestFailure_OmitsData(t *testing.T) {
	b, _ := json.Marshal(Failure("boom"))
	var out map[string]interface{}
	json.Unmarshal(b, &out)

	if out["success"] != false {
		t.Error("expected success=false")
	}
	if _, ok := out["data"]; ok {
		t.Error("expected data to be omitted")
	}
	if _, ok := out["pagination"]; ok {
		t.Error("expected pagination to be omitted")
	}
}

func TestNotFound_Message(t *testing.T) {
	if got := NotFound("Patient").Message; got != "Patient not found" {
		t.Errorf("unexpected message %q", got)
	}
	if got := NotFound("").Message; got != "Resource not found" {
		t.Errorf("unexpected default message %q", got)
	}
}
