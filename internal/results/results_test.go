package results

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestUpdateStepsIncreasesChangeOrder(t *testing.T) {
	var orders []int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body stepsUpdateRequest
		json.NewDecoder(req.Body).Decode(&body)
		orders = append(orders, body.ChangeOrder)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(server.URL, "plan-1", "job-1", "tok", server.Client())
	for i := 0; i < 3; i++ {
		if err := c.UpdateSteps(context.Background(), []StepUpdate{{ExternalId: "s1", Status: StatusInProgress}}); err != nil {
			t.Fatal(err)
		}
	}
	if len(orders) != 3 || orders[0] >= orders[1] || orders[1] >= orders[2] {
		t.Fatalf("change_order sequence = %v, want strictly increasing", orders)
	}
}

func TestUploadLogsRunsThreeCallSequence(t *testing.T) {
	var calls []string
	var blobBody string
	var serverURL string

	mux := http.NewServeMux()
	mux.HandleFunc("/twirp/results.services.receiver.v1.ReceiverService/GetStepLogsSignedBlobURL", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "signed-url")
		json.NewEncoder(w).Encode(signedBlobURLResponse{LogsURL: serverURL + "/blob"})
	})
	mux.HandleFunc("/blob", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "put-blob")
		if r.Header.Get("x-ms-blob-type") != "BlockBlob" {
			t.Error("missing x-ms-blob-type header")
		}
		buf := new(bytes.Buffer)
		buf.ReadFrom(r.Body)
		blobBody = buf.String()
	})
	mux.HandleFunc("/twirp/results.services.receiver.v1.ReceiverService/CreateStepLogsMetadata", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "metadata")
		var meta createLogsMetadataRequest
		json.NewDecoder(r.Body).Decode(&meta)
		if meta.LineCount != 2 {
			t.Errorf("line_count = %d, want 2", meta.LineCount)
		}
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	serverURL = server.URL

	c := New(server.URL, "plan-1", "job-1", "tok", server.Client())
	if err := c.UploadLogs(context.Background(), "step-1", []string{"line one", "line two"}); err != nil {
		t.Fatal(err)
	}

	want := []string{"signed-url", "put-blob", "metadata"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
	if !strings.Contains(blobBody, "line one") || !strings.Contains(blobBody, "line two") {
		t.Fatalf("blob body = %q, missing expected lines", blobBody)
	}
}

func TestUpdateStepsSetsBearerHeader(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer server.Close()

	c := New(server.URL, "plan-1", "job-1", "secret-token", server.Client())
	if err := c.UpdateSteps(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("Authorization = %q, want Bearer secret-token", gotAuth)
	}
}

func TestUpdateStepsNon2xxIsClassifiedError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := New(server.URL, "plan-1", "job-1", "tok", server.Client())
	if err := c.UpdateSteps(context.Background(), nil); err == nil {
		t.Fatal("expected an error for a 401 response")
	}
}
