package update

import (
	"encoding/json"
	"testing"
)

func TestStatus_DecodesStateByName(t *testing.T) {
	var st Status
	if err := json.Unmarshal([]byte(`{"state":"waiting","current":"v1","waiting":"v2"}`), &st); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if st.State != Waiting || st.Waiting != "v2" {
		t.Errorf("decoded %+v, want state waiting for v2", st)
	}

	if err := json.Unmarshal([]byte(`{"state":"paused"}`), &st); err == nil {
		t.Error("expected an error for an unknown state name")
	}
}
