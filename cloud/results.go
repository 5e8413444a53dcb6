package cloud

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/kwv/cpdmesh/cpd"
)

// DefaultResultCachePath is the default path for the registration result cache
const DefaultResultCachePath = ".cpdmesh-results.json"

// ResultRecord is the serializable summary of one registration run.
type ResultRecord struct {
	RunID          string      `json:"runId"`
	Fixed          string      `json:"fixed,omitempty"`
	Moving         string      `json:"moving,omitempty"`
	Transform      cpd.Kind    `json:"transform"`
	Comparer       string      `json:"comparer"`
	Sigma2         float64     `json:"sigma2"`
	Iterations     int         `json:"iterations"`
	StopReason     string      `json:"stopReason"`
	RuntimeMillis  float64     `json:"runtimeMs"`
	Rotation       [][]float64 `json:"rotation,omitempty"`
	Scale          float64     `json:"scale,omitempty"`
	Matrix         [][]float64 `json:"matrix,omitempty"`
	Translation    []float64   `json:"translation,omitempty"`
	Beta           float64     `json:"beta,omitempty"`
	Lambda         float64     `json:"lambda,omitempty"`
	Correspondence []int       `json:"correspondence,omitempty"`
	CreatedAt      int64       `json:"createdAt"`
}

// ResultCache holds the records of previous runs, keyed by run id.
type ResultCache struct {
	Runs        map[string]ResultRecord `json:"runs"`
	LastUpdated int64                   `json:"lastUpdated"`
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// NewResultRecord summarizes result under runID. The nonrigid displacement
// field is not stored; it is only meaningful next to the moving cloud.
func NewResultRecord(runID, comparer string, result *cpd.Result) ResultRecord {
	rec := ResultRecord{
		RunID:          runID,
		Transform:      result.Transform,
		Comparer:       comparer,
		Sigma2:         result.Sigma2,
		Iterations:     result.Iterations,
		StopReason:     string(result.StopReason),
		RuntimeMillis:  float64(result.Runtime) / float64(time.Millisecond),
		Correspondence: result.Correspondence,
		CreatedAt:      time.Now().Unix(),
	}
	switch p := result.Params.(type) {
	case *cpd.RigidParams:
		rec.Rotation = rowsOf(p.Rotation)
		rec.Scale = p.Scale
		rec.Translation = p.Translation
	case *cpd.AffineParams:
		rec.Matrix = rowsOf(p.Matrix)
		rec.Translation = p.Translation
	case *cpd.NonrigidParams:
		rec.Beta = p.Beta
		rec.Lambda = p.Lambda
	}
	return rec
}

func rowsOf(m *mat.Dense) [][]float64 {
	r, _ := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = append([]float64(nil), m.RawRowView(i)...)
	}
	return out
}

// LoadResults loads the result cache. A missing file is not an error and
// yields a nil cache.
func LoadResults(path string) (*ResultCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading result cache: %w", err)
	}

	var cache ResultCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("parsing result cache: %w", err)
	}
	return &cache, nil
}

// SaveResults writes the cache, creating parent directories as needed.
func SaveResults(path string, cache *ResultCache) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating result cache directory: %w", err)
	}

	cache.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result cache: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing result cache: %w", err)
	}

	return nil
}

// AppendResult loads the cache at path, adds rec and saves it back.
func AppendResult(path string, rec ResultRecord) error {
	cache, err := LoadResults(path)
	if err != nil {
		return err
	}
	if cache == nil {
		cache = &ResultCache{}
	}
	cache.Add(rec)
	return SaveResults(path, cache)
}

// Add stores rec, replacing any record with the same run id.
func (c *ResultCache) Add(rec ResultRecord) {
	if c.Runs == nil {
		c.Runs = make(map[string]ResultRecord)
	}
	c.Runs[rec.RunID] = rec
}

// Get returns the record for runID.
func (c *ResultCache) Get(runID string) (ResultRecord, bool) {
	if c == nil || c.Runs == nil {
		return ResultRecord{}, false
	}
	rec, ok := c.Runs[runID]
	return rec, ok
}

// Latest returns the most recently created record.
func (c *ResultCache) Latest() (ResultRecord, bool) {
	recs := c.Sorted()
	if len(recs) == 0 {
		return ResultRecord{}, false
	}
	return recs[len(recs)-1], true
}

// Sorted returns all records ordered by creation time, then run id.
func (c *ResultCache) Sorted() []ResultRecord {
	if c == nil {
		return nil
	}
	recs := make([]ResultRecord, 0, len(c.Runs))
	for _, rec := range c.Runs {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt != recs[j].CreatedAt {
			return recs[i].CreatedAt < recs[j].CreatedAt
		}
		return recs[i].RunID < recs[j].RunID
	})
	return recs
}
