package trainer

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/lineage/pkg/schema"
)

// datasetSchemaJSON validates dataset documents: parallel inputs/infos
// arrays of equal nonzero length.
const datasetSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://lineage.dev/schemas/dataset.json",
  "type": "object",
  "required": ["inputs", "infos"],
  "properties": {
    "inputs": {
      "type": "array",
      "minItems": 1
    },
    "infos": {
      "type": "array",
      "minItems": 1
    },
    "name": { "type": "string" },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false
}`

// Dataset is a training or evaluation set of (input, info) pairs. Infos
// carry whatever the guide needs to score an output (reference answers,
// rubric data).
type Dataset struct {
	Name   string `json:"name,omitempty"`
	Inputs []any  `json:"inputs"`
	Infos  []any  `json:"infos"`
}

// Len returns the number of pairs.
func (d *Dataset) Len() int { return len(d.Inputs) }

// LoadDataset reads and validates a JSON dataset document from disk.
func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read dataset %s", path).WithCause(err)
	}
	return ParseDataset(data)
}

// ParseDataset validates a JSON dataset document against the dataset schema
// and decodes it.
func ParseDataset(data []byte) (*Dataset, error) {
	compiled, err := datasetSchema()
	if err != nil {
		return nil, err
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "dataset is not valid JSON").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "dataset failed schema validation").WithCause(err)
	}

	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode dataset").WithCause(err)
	}
	if len(ds.Inputs) != len(ds.Infos) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"dataset has %d inputs but %d infos", len(ds.Inputs), len(ds.Infos))
	}
	return &ds, nil
}

func datasetSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(datasetSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal dataset schema: %w", err)
	}
	if err := c.AddResource("https://lineage.dev/schemas/dataset.json", doc); err != nil {
		return nil, fmt.Errorf("add dataset schema resource: %w", err)
	}
	compiled, err := c.Compile("https://lineage.dev/schemas/dataset.json")
	if err != nil {
		return nil, fmt.Errorf("compile dataset schema: %w", err)
	}
	return compiled, nil
}

// Loader yields minibatches of (inputs, infos) pairs over a dataset.
type Loader struct {
	ds        *Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
}

// NewLoader creates a loader with the given batch size. A non-nil rng
// enables per-epoch shuffling.
func NewLoader(ds *Dataset, batchSize int, rng *rand.Rand) *Loader {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Loader{ds: ds, batchSize: batchSize, shuffle: rng != nil, rng: rng}
}

// Batch is one minibatch of parallel inputs and infos.
type Batch struct {
	Inputs []any
	Infos  []any
}

// Batches returns the epoch's minibatches, reshuffled when shuffling is
// enabled.
func (l *Loader) Batches() []Batch {
	n := l.ds.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if l.shuffle {
		l.rng.Shuffle(n, func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	var batches []Batch
	for start := 0; start < n; start += l.batchSize {
		end := start + l.batchSize
		if end > n {
			end = n
		}
		b := Batch{
			Inputs: make([]any, 0, end-start),
			Infos:  make([]any, 0, end-start),
		}
		for _, idx := range order[start:end] {
			b.Inputs = append(b.Inputs, l.ds.Inputs[idx])
			b.Infos = append(b.Infos, l.ds.Infos[idx])
		}
		batches = append(batches, b)
	}
	return batches
}
