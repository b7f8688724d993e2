package serve

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"

	"imgcls/predict"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakePredictor struct {
	name  string
	calls int
	gotK  int
}

func (f *fakePredictor) Name() string { return f.name }

func (f *fakePredictor) Predict(image []byte, k int) ([]predict.Prediction, error) {
	f.calls++
	f.gotK = k
	if string(image) == "broken" {
		return nil, errors.New("cannot decode image")
	}
	return predict.TopK([]string{"cat", "dog", "bird"}, []float32{2, 1, 0}, k)
}

func (f *fakePredictor) Info() map[string]interface{} {
	return map[string]interface{}{"model": f.name, "labels": []string{"cat", "dog", "bird"}}
}

func newTestRegistry(t *testing.T) (*Registry, *fakePredictor, *fakePredictor) {
	t.Helper()
	r := NewRegistry()
	a := &fakePredictor{name: "version_0"}
	b := &fakePredictor{name: "version_1"}
	for _, p := range []Predictor{a, b} {
		if err := r.Add(p); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	return r, a, b
}

func upload(t *testing.T, url string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("image", "cat.png")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(content)
	w.Close()

	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func do(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRegistry(t *testing.T) {
	r, a, _ := newTestRegistry(t)

	if err := r.Add(&fakePredictor{name: "version_0"}); err == nil {
		t.Error("expected duplicate model error")
	}
	names := r.Names()
	if len(names) != 2 || names[0] != "version_0" || names[1] != "version_1" {
		t.Errorf("unexpected names %v", names)
	}

	if _, err := r.Infer(DefaultModelName, []byte("img"), 1); err != nil || a.calls != 1 {
		t.Errorf("default alias should reach the first model: %v", err)
	}

	e := r.get("version_1")
	if err := r.Remove("version_1"); err == nil {
		t.Error("expected in-use model removal to fail")
	}
	r.put(e)
	if err := r.Remove("version_1"); err != nil {
		t.Errorf("Remove failed: %v", err)
	}
	if _, err := r.Info("version_1"); !errors.Is(err, ErrNoSuchModel) {
		t.Errorf("expected ErrNoSuchModel, got %v", err)
	}
}

func TestListAndShowModels(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	router := Router(r)

	w := do(router, httptest.NewRequest(http.MethodGet, "/models", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list struct {
		Models []string `json:"models"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Models) != 2 {
		t.Errorf("unexpected models %v", list.Models)
	}

	w = do(router, httptest.NewRequest(http.MethodGet, "/models/version_1", nil))
	var info map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusOK || info["model"] != "version_1" || info["refCount"] != float64(0) {
		t.Errorf("unexpected info %d %v", w.Code, info)
	}

	w = do(router, httptest.NewRequest(http.MethodGet, "/models/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestInference(t *testing.T) {
	r, a, b := newTestRegistry(t)
	router := Router(r)

	w := do(router, upload(t, "/inference", []byte("img")))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		File      string               `json:"file"`
		Inference []predict.Prediction `json:"inference"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.File != "cat.png" || len(resp.Inference) != 3 || resp.Inference[0].Label != "cat" {
		t.Errorf("unexpected response %+v", resp)
	}
	if a.calls != 1 || a.gotK != predict.DefaultTopK {
		t.Errorf("default model should answer with k=%d, got calls=%d k=%d", predict.DefaultTopK, a.calls, a.gotK)
	}

	w = do(router, upload(t, "/inference/version_1?k=1", []byte("img")))
	if w.Code != http.StatusOK || b.gotK != 1 {
		t.Errorf("expected named model with k=1, got %d k=%d", w.Code, b.gotK)
	}
}

func TestInference_Errors(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	router := Router(r)

	tests := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{"unknown model", upload(t, "/inference/nope", []byte("img")), http.StatusNotFound},
		{"bad k", upload(t, "/inference?k=zero", []byte("img")), http.StatusBadRequest},
		{"undecodable", upload(t, "/inference", []byte("broken")), http.StatusBadRequest},
		{"no file", httptest.NewRequest(http.MethodPost, "/inference", nil), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, tt.req)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, w.Code)
			}
			var e HTTPError
			if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil || e.Error == "" {
				t.Errorf("expected an error body, got %s", w.Body.String())
			}
		})
	}
}
