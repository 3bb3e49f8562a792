package manifest

import (
	"encoding/json"
	"reflect"
	"testing"
)

const sampleManifest = `{
  "manifest_version": "1.2",
  "manifest_date": "2025-05-21",
  "current_bootstrap": {"version": "v0.0.2", "url": "https://depot.example.com/bootstrap.tar.gz"},
  "current_hypervisor": {"version": "v0.0.1", "url": "https://depot.example.com/hypervisor.tar.gz"},
  "current_cli": {"version": "v0.1.0", "url": "https://depot.example.com/cli.tar.gz"},
  "inference_clients": {
    "v0.1.0": {"date": "2025-03-27", "url": "https://depot.example.com/client-v0.1.0.tar.gz"},
    "v0.2.0": {"date": "2025-04-14", "url": "https://depot.example.com/client-v0.2.0.tar.gz"}
  },
  "models": {
    "2b": {
      "moondream-2b-2025-04-14-4bit": {
        "revision_id": "2025-04-14-4bit",
        "inference_client": "v0.2.0",
        "size": "2b",
        "release_date": "2025-04-14",
        "notes": "quantized"
      },
      "moondream-2b-2025-04-14": {
        "revision_id": "2025-04-14",
        "inference_client": "v0.2.0",
        "size": "2b",
        "release_date": "2025-04-14",
        "notes": ""
      },
      "moondream-2b-2025-03-27": {
        "revision_id": "2025-03-27",
        "inference_client": "v0.1.0",
        "size": "2b",
        "release_date": "2025-03-27",
        "notes": ""
      }
    }
  },
  "notes": ["first note", "second note"]
}`

func mustParse(t *testing.T, data string) *Manifest {
	t.Helper()
	var m Manifest
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		t.Fatalf("unmarshal sample manifest: %v", err)
	}
	return &m
}

func TestCurrent(t *testing.T) {
	m := mustParse(t, sampleManifest)

	tests := []struct {
		name        string
		wantVersion string
		wantOK      bool
	}{
		{"bootstrap", "v0.0.2", true},
		{"hypervisor", "v0.0.1", true},
		{"cli", "v0.1.0", true},
		{"model", "", false},
		{"nonsense", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rel, ok := m.Current(tt.name)
			if ok != tt.wantOK {
				t.Fatalf("Current(%q) ok = %v, want %v", tt.name, ok, tt.wantOK)
			}
			if rel.Version != tt.wantVersion {
				t.Errorf("Current(%q).Version = %q, want %q", tt.name, rel.Version, tt.wantVersion)
			}
		})
	}
}

func TestModelIDs(t *testing.T) {
	m := mustParse(t, sampleManifest)

	want := []string{
		"moondream-2b-2025-03-27",
		"moondream-2b-2025-04-14",
		"moondream-2b-2025-04-14-4bit",
	}
	if got := m.ModelIDs("2b"); !reflect.DeepEqual(got, want) {
		t.Errorf("ModelIDs = %v, want %v", got, want)
	}

	if got := m.ModelIDs("9b"); len(got) != 0 {
		t.Errorf("ModelIDs for unknown size = %v, want empty", got)
	}
}

func TestFindModel(t *testing.T) {
	m := mustParse(t, sampleManifest)

	t.Run("by catalog id", func(t *testing.T) {
		res, ok := m.FindModel("2b", "moondream-2b-2025-04-14-4bit")
		if !ok {
			t.Fatal("FindModel by id failed")
		}
		if res.Revision != "2025-04-14-4bit" {
			t.Errorf("Revision = %q, want 2025-04-14-4bit", res.Revision)
		}
	})

	t.Run("by revision", func(t *testing.T) {
		res, ok := m.FindModel("2b", "2025-03-27")
		if !ok {
			t.Fatal("FindModel by revision failed")
		}
		if res.ID != "moondream-2b-2025-03-27" {
			t.Errorf("ID = %q, want moondream-2b-2025-03-27", res.ID)
		}
		if res.Model.InferenceClient != "v0.1.0" {
			t.Errorf("InferenceClient = %q, want v0.1.0", res.Model.InferenceClient)
		}
	})

	t.Run("missing", func(t *testing.T) {
		if _, ok := m.FindModel("2b", "never-released"); ok {
			t.Error("FindModel should fail for unknown id")
		}
	})
}

func TestValidate(t *testing.T) {
	m := mustParse(t, sampleManifest)
	if violations := m.Validate(); len(violations) != 0 {
		t.Errorf("Validate() = %v, want none", violations)
	}

	// Point one model at a client that does not exist.
	broken := mustParse(t, sampleManifest)
	entry := broken.Models["2b"]["moondream-2b-2025-03-27"]
	entry.InferenceClient = "v9.9.9"
	broken.Models["2b"]["moondream-2b-2025-03-27"] = entry

	violations := broken.Validate()
	if len(violations) != 1 {
		t.Fatalf("Validate() = %v, want exactly one violation", violations)
	}
	want := `model 2b/moondream-2b-2025-03-27 references unknown inference_client "v9.9.9"`
	if violations[0] != want {
		t.Errorf("violation = %q, want %q", violations[0], want)
	}
}

func TestValidateMissingClientField(t *testing.T) {
	m := mustParse(t, sampleManifest)
	entry := m.Models["2b"]["moondream-2b-2025-04-14"]
	entry.InferenceClient = ""
	m.Models["2b"]["moondream-2b-2025-04-14"] = entry

	violations := m.Validate()
	if len(violations) != 1 {
		t.Fatalf("Validate() = %v, want exactly one violation", violations)
	}
}
