package server

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	_ "github.com/janelia-flyem/labelmerge/storage/badger"
)

const testConfig = `
[server]
note = "merge test server"
shutdownDelay = 1

[mutations]
jsonstore = "mutations"

[store.mem]
engine = "basic"

[labels.seg]
store = "mem"
shape = [2, 3, 3]

[points.markers]
ndim = 3

[dims]
currentStep = [1, 0, 0]
`

var exampleSlice = []uint64{
	1, 1, 2,
	1, 2, 2,
	3, 3, 0,
}

func postSlice(t *testing.T, idx string, data []uint64) {
	payload, _ := json.Marshal(sliceJSON{Shape: []int{3, 3}, Data: data})
	TestHTTP(t, "POST", WebAPIPath+"labels/seg/slice?idx="+idx, bytes.NewBuffer(payload))
}

func getSlice(t *testing.T, idx string) sliceJSON {
	var s sliceJSON
	r := TestHTTP(t, "GET", WebAPIPath+"labels/seg/slice?idx="+idx, nil)
	if err := json.Unmarshal(r, &s); err != nil {
		t.Fatalf("unable to decode slice response %s: %v\n", string(r), err)
	}
	return s
}

func postPoints(t *testing.T, pts string) {
	TestHTTP(t, "POST", WebAPIPath+"points/markers", bytes.NewBufferString(`{"data": `+pts+`}`))
}

func TestServerInfo(t *testing.T) {
	OpenTest(t, testConfig)
	defer CloseTest()

	help := string(TestHTTP(t, "GET", WebAPIPath+"help", nil))
	if !strings.Contains(help, "POST /api/merge") {
		t.Errorf("help text doesn't describe merge:\n%s\n", help)
	}

	var info struct {
		Note    string
		Version string
		Engines map[string]string
		Labels  []string
		Points  []string
	}
	r := TestHTTP(t, "GET", WebAPIPath+"server/info", nil)
	if err := json.Unmarshal(r, &info); err != nil {
		t.Fatalf("bad server info %s: %v\n", string(r), err)
	}
	if info.Note != "merge test server" || info.Version != Version.String() {
		t.Errorf("unexpected server info: %+v\n", info)
	}
	if _, found := info.Engines["basic"]; !found {
		t.Errorf("expected basic engine in %v\n", info.Engines)
	}
	if !reflect.DeepEqual(info.Labels, []string{"seg"}) || !reflect.DeepEqual(info.Points, []string{"markers"}) {
		t.Errorf("unexpected layers: %v, %v\n", info.Labels, info.Points)
	}

	resp := TestHTTPResponse(t, "GET", WebAPIPath+"nonexistent", nil)
	if resp.Code != http.StatusNotFound {
		t.Errorf("expected 404 for bad endpoint, got %d\n", resp.Code)
	}
}

func TestMergeAPI(t *testing.T) {
	OpenTest(t, testConfig)
	defer CloseTest()

	postSlice(t, "1", exampleSlice)
	postPoints(t, `[[1, 0, 0], [1, 1.2, 1.9], [0, 2, 2]]`)

	r := TestHTTP(t, "POST", WebAPIPath+"merge", bytes.NewBufferString(`{"labels": "seg", "points": "markers", "ndim": 2, "wait": true}`))
	var resp mergeResponse
	if err := json.Unmarshal(r, &resp); err != nil {
		t.Fatalf("bad merge response %s: %v\n", string(r), err)
	}
	if resp.Target != 1 || !reflect.DeepEqual(resp.Merged, []uint64{2}) || resp.MutationID == 0 {
		t.Errorf("unexpected merge response: %s\n", string(r))
	}
	if !reflect.DeepEqual(resp.Coords, [][]int{{0, 0}, {1, 2}}) {
		t.Errorf("unexpected merge coords %v\n", resp.Coords)
	}
	if resp.Region == nil || !reflect.DeepEqual(resp.Region.SliceIdx, []int{1}) {
		t.Errorf("unexpected merge region %v\n", resp.Region)
	}

	expected := []uint64{
		1, 1, 1,
		1, 1, 1,
		3, 3, 0,
	}
	if s := getSlice(t, "1"); !reflect.DeepEqual(s.Data, expected) {
		t.Errorf("expected merged slice %v, got %v\n", expected, s.Data)
	}
	if s := getSlice(t, "0"); !reflect.DeepEqual(s.Data, make([]uint64, 9)) {
		t.Errorf("expected untouched background slice, got %v\n", s.Data)
	}

	var pts pointsJSON
	if err := json.Unmarshal(TestHTTP(t, "GET", WebAPIPath+"points/markers", nil), &pts); err != nil {
		t.Fatalf("bad points response: %v\n", err)
	}
	if len(pts.Data) != 0 || pts.Width != 3 {
		t.Errorf("expected cleared 3-d points after merge, got %+v\n", pts)
	}

	// one refresh for the slice write and one for the merge
	var info struct {
		Shape     []int
		Refreshes uint64
	}
	if err := json.Unmarshal(TestHTTP(t, "GET", WebAPIPath+"labels/seg/info", nil), &info); err != nil {
		t.Fatalf("bad labels info: %v\n", err)
	}
	if info.Refreshes != 2 || !reflect.DeepEqual(info.Shape, []int{2, 3, 3}) {
		t.Errorf("unexpected labels info %+v\n", info)
	}

	var records []MergeRecord
	r = TestHTTP(t, "GET", WebAPIPath+"mutations/seg", nil)
	if err := json.Unmarshal(r, &records); err != nil {
		t.Fatalf("bad mutations response %s: %v\n", string(r), err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 merge record, got %s\n", string(r))
	}
	rec := records[0]
	if rec.MutationID != resp.MutationID || rec.Target != 1 || rec.Labels != "seg" || rec.Points != "markers" || rec.UUID == "" {
		t.Errorf("unexpected merge record %+v\n", rec)
	}
	if _, err := os.Stat(filepath.Join(MutationLogSpec().Jsonstore, "seg.plog")); err != nil {
		t.Errorf("expected mutation log file: %v\n", err)
	}
}

func TestMergeNoop(t *testing.T) {
	OpenTest(t, testConfig)
	defer CloseTest()

	postSlice(t, "1", exampleSlice)

	// no points at all
	r := TestHTTP(t, "POST", WebAPIPath+"merge", bytes.NewBufferString(`{"labels": "seg", "points": "markers", "ndim": 2}`))
	if strings.TrimSpace(string(r)) != "{}" {
		t.Errorf("expected empty response for no points, got %s\n", string(r))
	}

	// only background
	postPoints(t, `[[1, 2, 2]]`)
	r = TestHTTP(t, "POST", WebAPIPath+"merge", bytes.NewBufferString(`{"labels": "seg", "points": "markers", "ndim": 2}`))
	if strings.TrimSpace(string(r)) != "{}" {
		t.Errorf("expected empty response for background merge, got %s\n", string(r))
	}
	if s := getSlice(t, "1"); !reflect.DeepEqual(s.Data, exampleSlice) {
		t.Errorf("background merge changed labels: %v\n", s.Data)
	}
	var pts pointsJSON
	if err := json.Unmarshal(TestHTTP(t, "GET", WebAPIPath+"points/markers", nil), &pts); err != nil {
		t.Fatalf("bad points response: %v\n", err)
	}
	if len(pts.Data) != 0 {
		t.Errorf("expected points cleared after no-op merge, got %v\n", pts.Data)
	}
	if r := string(TestHTTP(t, "GET", WebAPIPath+"mutations/seg", nil)); r != "[]" {
		t.Errorf("expected no merge records, got %s\n", r)
	}
}

func TestBadMerge(t *testing.T) {
	OpenTest(t, testConfig)
	defer CloseTest()

	bad := []string{
		`not json`,
		`{"labels": "seg"}`,
		`{"labels": "seg", "points": "markers", "ndim": "two"}`,
		`{"labels": "seg", "points": "markers", "color": "red"}`,
		`{"labels": "nonexistent", "points": "markers"}`,
		`{"labels": "seg", "points": "nonexistent"}`,
	}
	for _, payload := range bad {
		TestBadHTTP(t, "POST", WebAPIPath+"merge", bytes.NewBufferString(payload))
	}

	for _, ndim := range []int{1, 4} {
		postPoints(t, `[[1, 0, 0], [1, 2, 2]]`)
		payload := fmt.Sprintf(`{"labels": "seg", "points": "markers", "ndim": %d}`, ndim)
		resp := TestHTTPResponse(t, "POST", WebAPIPath+"merge", bytes.NewBufferString(payload))
		if resp.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for ndim %d, got %d\n", ndim, resp.Code)
		}
	}

	// points outside the labels
	postPoints(t, `[[1, 0, 0], [1, 7, 7]]`)
	TestBadHTTP(t, "POST", WebAPIPath+"merge", bytes.NewBufferString(`{"labels": "seg", "points": "markers", "ndim": 2}`))
}

func TestDimsAndPointsAPI(t *testing.T) {
	OpenTest(t, testConfig)
	defer CloseTest()

	TestHTTP(t, "POST", WebAPIPath+"dims", bytes.NewBufferString(`{"currentStep": [0, 2, 1]}`))
	var d dimsJSON
	if err := json.Unmarshal(TestHTTP(t, "GET", WebAPIPath+"dims", nil), &d); err != nil {
		t.Fatalf("bad dims response: %v\n", err)
	}
	if !reflect.DeepEqual(d.CurrentStep, []int{0, 2, 1}) {
		t.Errorf("unexpected current step %v\n", d.CurrentStep)
	}
	TestBadHTTP(t, "POST", WebAPIPath+"dims", bytes.NewBufferString(`{"currentStep": [0, 2]}`))

	postPoints(t, `[[0, 1, 1]]`)
	postPoints(t, `[[0, 2, 2], [1, 0, 0]]`)
	TestBadHTTP(t, "POST", WebAPIPath+"points/markers", bytes.NewBufferString(`{"data": [[1, 2]]}`))
	TestBadHTTP(t, "GET", WebAPIPath+"points/unknown", nil)

	var pts pointsJSON
	if err := json.Unmarshal(TestHTTP(t, "GET", WebAPIPath+"points/markers", nil), &pts); err != nil {
		t.Fatalf("bad points response: %v\n", err)
	}
	if len(pts.Data) != 3 {
		t.Errorf("expected 3 points, got %v\n", pts.Data)
	}

	TestHTTP(t, "POST", WebAPIPath+"points/markers?replace=true", bytes.NewBufferString(`{"data": [[1, 1, 1]]}`))
	if err := json.Unmarshal(TestHTTP(t, "GET", WebAPIPath+"points/markers", nil), &pts); err != nil {
		t.Fatalf("bad points response: %v\n", err)
	}
	if !reflect.DeepEqual(pts.Data[0], []float64{1, 1, 1}) || len(pts.Data) != 1 {
		t.Errorf("expected replaced points, got %v\n", pts.Data)
	}

	TestHTTP(t, "DELETE", WebAPIPath+"points/markers", nil)
	if err := json.Unmarshal(TestHTTP(t, "GET", WebAPIPath+"points/markers", nil), &pts); err != nil {
		t.Fatalf("bad points response: %v\n", err)
	}
	if len(pts.Data) != 0 {
		t.Errorf("expected no points after delete, got %v\n", pts.Data)
	}
}

func TestRawSlice(t *testing.T) {
	OpenTest(t, testConfig)
	defer CloseTest()

	raw := make([]byte, 8*9)
	for i := 0; i < 9; i++ {
		binary.LittleEndian.PutUint64(raw[i*8:], uint64(100+i))
	}
	req, _ := http.NewRequest("POST", WebAPIPath+"labels/seg/slice?idx=0", bytes.NewBuffer(raw))
	req.Header.Set("Content-Type", "application/octet-stream")
	resp := TestHTTPRequest(req)
	if resp.Code != http.StatusOK {
		t.Fatalf("raw slice POST failed (%d): %s\n", resp.Code, resp.Body.String())
	}

	got := TestHTTP(t, "GET", WebAPIPath+"labels/seg/slice?idx=0&format=raw", nil)
	if !bytes.Equal(got, raw) {
		t.Errorf("raw slice round trip failed\n")
	}
	s := getSlice(t, "0")
	if s.Data[8] != 108 || !reflect.DeepEqual(s.Shape, []int{3, 3}) {
		t.Errorf("unexpected slice after raw write: %+v\n", s)
	}

	TestBadHTTP(t, "GET", WebAPIPath+"labels/seg/slice?idx=5", nil)
	TestBadHTTP(t, "GET", WebAPIPath+"labels/seg/slice?idx=0,0,0", nil)
	TestBadHTTP(t, "GET", WebAPIPath+"labels/seg/slice?idx=a", nil)
	TestBadHTTP(t, "GET", WebAPIPath+"labels/seg/slice?idx=0&format=png", nil)
	TestBadHTTP(t, "POST", WebAPIPath+"labels/seg/slice?idx=0", bytes.NewBufferString(`{"shape": [2, 2], "data": [1, 2, 3, 4]}`))

	// whole volume
	s = getSlice(t, "")
	if !reflect.DeepEqual(s.Shape, []int{2, 3, 3}) || len(s.Data) != 18 {
		t.Errorf("unexpected whole volume read: %+v\n", s)
	}
}

func TestAuthorization(t *testing.T) {
	authFile := filepath.Join(t.TempDir(), "users.json")
	if err := os.WriteFile(authFile, []byte(`{"reader": "read", "editor": "readwrite"}`), 0644); err != nil {
		t.Fatalf("unable to write auth file: %v\n", err)
	}
	config := testConfig + fmt.Sprintf(`
[auth]
secret_key = "not so secret"
auth_file = %q
`, authFile)
	OpenTest(t, config)
	defer CloseTest()

	resp := TestHTTPResponse(t, "GET", WebAPIPath+"dims", nil)
	if resp.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d\n", resp.Code)
	}

	request := func(user, method, url, payload string) int {
		token, err := GenerateJWT(user)
		if err != nil {
			t.Fatalf("unable to generate token: %v\n", err)
		}
		req, _ := http.NewRequest(method, url, bytes.NewBufferString(payload))
		req.Header.Set("Authorization", "Bearer "+token)
		return TestHTTPRequest(req).Code
	}
	if code := request("reader", "GET", WebAPIPath+"dims", ""); code != http.StatusOK {
		t.Errorf("expected reader to read dims, got %d\n", code)
	}
	if code := request("reader", "POST", WebAPIPath+"dims", `{"currentStep": [0, 0, 0]}`); code != http.StatusUnauthorized {
		t.Errorf("expected reader unable to set dims, got %d\n", code)
	}
	if code := request("editor", "POST", WebAPIPath+"dims", `{"currentStep": [0, 0, 0]}`); code != http.StatusOK {
		t.Errorf("expected editor to set dims, got %d\n", code)
	}
	if code := request("stranger", "GET", WebAPIPath+"dims", ""); code != http.StatusUnauthorized {
		t.Errorf("expected unknown user unauthorized, got %d\n", code)
	}
}

func TestBadgerBackedMerge(t *testing.T) {
	config := strings.Replace(testConfig, `[store.mem]
engine = "basic"`, `[store.mem]
engine = "badger"
inmemory = true
compression = "zstd"
tilesize = 2`, 1)
	OpenTest(t, config)
	defer CloseTest()

	postSlice(t, "1", exampleSlice)
	postPoints(t, `[[1, 2, 0], [1, 0, 2]]`)
	r := TestHTTP(t, "POST", WebAPIPath+"merge", bytes.NewBufferString(`{"labels": "seg", "points": "markers", "ndim": 2, "wait": true}`))
	var resp mergeResponse
	if err := json.Unmarshal(r, &resp); err != nil {
		t.Fatalf("bad merge response %s: %v\n", string(r), err)
	}
	if resp.Target != 2 || !reflect.DeepEqual(resp.Merged, []uint64{3}) {
		t.Errorf("unexpected merge response: %s\n", string(r))
	}
	expected := []uint64{
		1, 1, 2,
		1, 2, 2,
		2, 2, 0,
	}
	if s := getSlice(t, "1"); !reflect.DeepEqual(s.Data, expected) {
		t.Errorf("expected merged slice %v, got %v\n", expected, s.Data)
	}
}
