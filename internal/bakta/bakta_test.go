package bakta

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"defensepipe/internal/metadata"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeAPI is an in-memory Bakta API. Jobs report RUNNING for pendingPolls
// status calls, then finalState.
type fakeAPI struct {
	t   *testing.T
	srv *httptest.Server

	mu           sync.Mutex
	next         int
	names        map[string]string // job id -> init name
	polls        map[string]int
	uploads      map[string][]byte // upload path -> body
	started      map[string]JobConfig
	pendingPolls int
	finalState   map[string]string // init name -> state, default SUCCESSFUL
	initFailures map[string]int    // init name -> remaining failures
	results      map[string]string // result type -> served
}

func newFakeAPI(t *testing.T) *fakeAPI {
	f := &fakeAPI{
		t:            t,
		names:        map[string]string{},
		polls:        map[string]int{},
		uploads:      map[string][]byte{},
		started:      map[string]JobConfig{},
		finalState:   map[string]string{},
		initFailures: map[string]int{},
		results:      map[string]string{"JSON": ".json"},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/job/init", f.init)
	mux.HandleFunc("PUT /upload/", f.upload)
	mux.HandleFunc("POST /api/v1/job/start", f.start)
	mux.HandleFunc("POST /api/v1/job/list", f.list)
	mux.HandleFunc("POST /api/v1/job/result", f.result)
	mux.HandleFunc("GET /api/v1/job/{id}/logs", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "log for "+r.PathValue("id"))
	})
	mux.HandleFunc("GET /download/{name}", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"features":[{"type":"cds"}]}`)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) init(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
	name := body["name"]

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initFailures[name] > 0 {
		f.initFailures[name]--
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}
	f.next++
	id := "job0000" + string(rune('0'+f.next)) + "-abcdef"
	f.names[id] = name
	json.NewEncoder(w).Encode(map[string]any{
		"job":                 map[string]string{"jobID": id, "secret": "s-" + id},
		"uploadLinkFasta":     f.srv.URL + "/upload/" + id + "/fasta",
		"uploadLinkReplicons": f.srv.URL + "/upload/" + id + "/replicons",
		"uploadLinkProdigal":  f.srv.URL + "/upload/" + id + "/prodigal",
	})
}

func (f *fakeAPI) upload(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.uploads[r.URL.Path] = b
	f.mu.Unlock()
}

func (f *fakeAPI) start(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Job    JobRef    `json:"job"`
		Config JobConfig `json:"config"`
	}
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
	f.mu.Lock()
	f.started[body.Job.ID] = body.Config
	f.mu.Unlock()
}

func (f *fakeAPI) list(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Jobs []JobRef `json:"jobs"`
	}
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
	id := body.Jobs[0].ID

	f.mu.Lock()
	f.polls[id]++
	state := "RUNNING"
	if f.polls[id] > f.pendingPolls {
		state = f.finalState[f.names[id]]
		if state == "" {
			state = StateSuccessful
		}
	}
	f.mu.Unlock()

	entry := map[string]any{"jobID": id, "jobStatus": state}
	if state == StateError {
		entry["error"] = "annotation crashed"
	}
	json.NewEncoder(w).Encode(map[string]any{"jobs": []any{entry}})
}

func (f *fakeAPI) result(w http.ResponseWriter, r *http.Request) {
	var ref JobRef
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&ref))
	files := map[string]string{}
	for typ, ext := range f.results {
		files[typ] = f.srv.URL + "/download/" + ref.ID + ext
	}
	json.NewEncoder(w).Encode(map[string]any{"ResultFiles": files})
}

func (f *fakeAPI) client() *Client {
	c := NewClient(f.srv.URL, 5*time.Second, nil)
	f.t.Cleanup(c.Close)
	return c
}

func writeFasta(t *testing.T, dir, name, header string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(header+"\nACGTACGT\n"), 0644))
	return p
}

func TestLocusTag(t *testing.T) {
	tests := []struct {
		genus, species, fileID, want string
	}{
		{"Escherichia", "coli", "x", "ESCOL"},
		{"Klebsiella", "oxytoca", "x", "KLOXY"},
		{"E", "co", "x", "ECO"},
		{"Éscherichia", "çoli", "x", "ÉSÇOL"},
		{"É", "çoliforme", "x", "ÉÇOLI"},
		{"", "", "rhb01-c04_1", "RHB01"},
		{"", "", "a-b", "AB"},
		{"", "", "__", "BAKTA"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LocusTag(tt.genus, tt.species, tt.fileID), "%+v", tt)
	}
	assert.Equal(t, "ESCOL_12345678", Locus("ESCOL", "1234567890ab"))
	assert.Equal(t, "X_ab", Locus("X", "ab"))
}

func TestExtractParameters(t *testing.T) {
	asm := t.TempDir()
	writeFasta(t, asm, "RHB01-C04_1.fasta", ">RHB01-C04_1 1 length=4843636 depth=1.00x circular=true")
	writeFasta(t, asm, "RHB02_p1.fasta", ">p1 length=5000")
	writeFasta(t, asm, "orphan.fasta", ">orph")

	meta := metadata.New([]string{"Contig", "Type", "mlst.PubMLST"})
	meta.Append(map[string]string{"Contig": "RHB01-C04_1", "Type": "Chromosome", "mlst.PubMLST": "ecoli"})
	meta.Append(map[string]string{"Contig": "RHB02_other", "Type": "Plasmid", "mlst.PubMLST": "koxytoca"})

	out := filepath.Join(t.TempDir(), "bakta_params")
	ex, err := ExtractParameters(asm, meta, out, nil)
	require.NoError(t, err)
	require.Len(t, ex.Params, 3)

	chromo := ex.Params["RHB01-C04_1"]
	assert.Equal(t, "RHB01-C04_1", chromo.SequenceID)
	require.NotNil(t, chromo.Length)
	assert.Equal(t, "4843636", *chromo.Length)
	assert.True(t, chromo.Circular)
	assert.Equal(t, "Chromosome", chromo.RepliconType)
	require.NotNil(t, chromo.Genus)
	assert.Equal(t, "Escherichia", *chromo.Genus)
	assert.Equal(t, "ecoli", chromo.Taxon)

	// Only a partial match exists: the replicon table uses it, the
	// parameters do not.
	plasmid := ex.Params["RHB02_p1"]
	assert.Equal(t, "Unknown", plasmid.RepliconType)
	assert.Nil(t, plasmid.Genus)
	assert.False(t, plasmid.Circular)

	require.Equal(t, 3, ex.Replicons.Len())
	byLocus := map[string]map[string]string{}
	for r := 0; r < ex.Replicons.Len(); r++ {
		rec := ex.Replicons.Record(r)
		byLocus[rec["locus"]] = rec
	}
	assert.Equal(t, map[string]string{
		"locus": "RHB01-C04_1", "new_locus": "RHB01-C04_1", "type": "chromosome",
		"topology": "circular", "name": "ecoli_RHB01-C04_1",
	}, byLocus["RHB01-C04_1"])
	assert.Equal(t, "plasmid", byLocus["p1"]["type"])
	assert.Equal(t, "koxytoca_p1", byLocus["p1"]["name"])
	assert.Equal(t, "contig", byLocus["orph"]["type"])
	assert.Equal(t, "linear", byLocus["orph"]["topology"])

	loaded, err := LoadParameters(filepath.Join(out, ParamsFile))
	require.NoError(t, err)
	assert.Equal(t, ex.Params, loaded)

	summary, err := os.ReadFile(filepath.Join(out, SummaryFile))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "Total FASTA files processed: 3")
	assert.Contains(t, string(summary), "Metadata entries: 2")
	assert.Contains(t, string(summary), "  linear: 2\n")

	data, err := os.ReadFile(filepath.Join(out, RepliconsFile))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "locus,new_locus,type,topology,name\n"))
}

func TestExtractParameters_NoFasta(t *testing.T) {
	_, err := ExtractParameters(t.TempDir(), nil, t.TempDir(), nil)
	assert.ErrorContains(t, err, "no FASTA files")
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()
	c := NewClient(srv.URL, time.Second, nil)
	defer c.Close()

	_, _, err := c.InitJob(context.Background(), "x")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "init job", apiErr.Op)
}

func TestClient_RoundTrip(t *testing.T) {
	api := newFakeAPI(t)
	c := api.client()
	ctx := context.Background()

	ref, links, err := c.InitJob(ctx, "bakta_job_a")
	require.NoError(t, err)
	assert.NotEmpty(t, ref.Secret)

	fa := writeFasta(t, t.TempDir(), "a.fasta", ">a")
	require.NoError(t, c.Upload(ctx, links.Fasta, fa))
	require.NoError(t, c.StartJob(ctx, ref, NewJobConfig("Escherichia", "coli", "", "ESCOL", "ESCOL_x", true)))
	api.mu.Lock()
	started := api.started[ref.ID]
	api.mu.Unlock()
	assert.Equal(t, 11, started.TranslationTable)
	assert.True(t, started.CompleteGenome)

	st, err := c.JobStatus(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, StateSuccessful, st.Status)

	logs, err := c.JobLogs(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "log for "+ref.ID, logs)

	files, err := c.JobResults(ctx, ref)
	require.NoError(t, err)
	dst := filepath.Join(t.TempDir(), "r.json")
	require.NoError(t, c.Download(ctx, files["JSON"], dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Contains(t, string(got), "cds")
}

func TestJobStatus_ErrorMessage(t *testing.T) {
	assert.Equal(t, "Unknown error", (&JobStatus{}).ErrorMessage())
	assert.Equal(t, "boom", (&JobStatus{Error: json.RawMessage(`"boom"`)}).ErrorMessage())
	assert.Equal(t, `{"code":1}`, (&JobStatus{Error: json.RawMessage(`{"code":1}`)}).ErrorMessage())
}

func testRunner(api *fakeAPI, results string) *Runner {
	return NewRunner(api.client(), RunnerConfig{
		ResultsDir:    results,
		BatchSize:     2,
		MaxConcurrent: 2,
		MaxRetries:    3,
		RetryDelay:    time.Millisecond,
		PollInterval:  time.Millisecond,
		MaxWait:       time.Second,
		BatchPause:    time.Millisecond,
	})
}

func testParams(t *testing.T, ids ...string) map[string]Params {
	dir := t.TempDir()
	params := map[string]Params{}
	for _, id := range ids {
		params[id] = Params{FastaFile: writeFasta(t, dir, id+".fasta", ">"+id), SequenceID: id}
	}
	return params
}

func TestRunner_Run(t *testing.T) {
	api := newFakeAPI(t)
	api.pendingPolls = 2
	api.finalState["bakta_job_c"] = StateError
	api.initFailures["bakta_job_b"] = 1 // succeeds on retry

	results := filepath.Join(t.TempDir(), "bakta_results")
	r := testRunner(api, results)

	replicons := metadata.New(RepliconColumns)
	replicons.Append(map[string]string{"locus": "a", "new_locus": "a", "type": "chromosome", "topology": "circular", "name": "a"})

	rep, err := r.Run(context.Background(), testParams(t, "a", "b", "c"), replicons)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Successful)
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, rep.Jobs, 3)

	a, b, c := rep.Jobs[0], rep.Jobs[1], rep.Jobs[2]
	assert.Equal(t, JobCompleted, a.State)
	assert.Equal(t, filepath.Join(results, "a_bakta_results.json"), a.ResultPath)
	assert.FileExists(t, a.ResultPath)
	assert.Equal(t, JobCompleted, b.State)
	assert.Equal(t, 1, b.Retries)
	assert.Equal(t, JobFailed, c.State)
	assert.Equal(t, "annotation crashed", c.Error)

	// Replicon rows were uploaded only for the assembly that has them.
	api.mu.Lock()
	_, hasA := api.uploads["/upload/"+a.Ref.ID+"/replicons"]
	_, hasB := api.uploads["/upload/"+b.Ref.ID+"/replicons"]
	cfgA := api.started[a.Ref.ID]
	api.mu.Unlock()
	assert.True(t, hasA)
	assert.False(t, hasB)
	assert.Equal(t, "A", cfgA.LocusTag)
	assert.Equal(t, Locus("A", a.Ref.ID), cfgA.Locus)

	report, err := os.ReadFile(filepath.Join(results, ReportFile))
	require.NoError(t, err)
	text := string(report)
	assert.Contains(t, text, "Total files processed: 3")
	assert.Contains(t, text, "Successful: 2")
	assert.Contains(t, text, "c: failed - annotation crashed")
}

func TestRunner_GzipFallbackAndTimeout(t *testing.T) {
	api := newFakeAPI(t)
	api.results = map[string]string{"JSONGZ": ".json.gz"}
	results := t.TempDir()
	r := testRunner(api, results)

	rep, err := r.Run(context.Background(), testParams(t, "a"), nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(results, "a_bakta_results.json.gz"), rep.Jobs[0].ResultPath)

	api.pendingPolls = 1 << 20
	r = testRunner(api, t.TempDir())
	r.cfg.MaxWait = 5 * time.Millisecond
	rep, err = r.Run(context.Background(), testParams(t, "slow"), nil)
	require.NoError(t, err)
	assert.Equal(t, JobTimeout, rep.Jobs[0].State)
	assert.Equal(t, 1, rep.Failed)
}

func TestRunner_DryRun(t *testing.T) {
	api := newFakeAPI(t)
	results := filepath.Join(t.TempDir(), "none")
	r := testRunner(api, results)
	r.cfg.DryRun = true

	rep, err := r.Run(context.Background(), testParams(t, "a", "b"), nil)
	require.NoError(t, err)
	assert.Empty(t, rep.Jobs)
	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Empty(t, api.names, "dry run makes no API calls")
	assert.NoDirExists(t, results)
}

func TestRunner_CanceledStopsBatches(t *testing.T) {
	api := newFakeAPI(t)
	r := testRunner(api, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, testParams(t, "a", "b", "c"), nil)
	assert.ErrorIs(t, err, context.Canceled)
}
