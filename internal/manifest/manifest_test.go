package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procluster/shipwright/internal/fsys"
)

func writeService(t *testing.T, fs fsys.Filesystem, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		require.NoError(t, fs.WriteFile(dir+"/"+name, []byte(content), 0o644))
	}
}

func TestParse_Python(t *testing.T) {
	fs := fsys.NewInMemory()
	writeService(t, fs, "/src", map[string]string{
		"requirements.txt":  "# worker deps\nschedule==1.2.2\nrequests==2.31.0\n",
		"requirements.lock": "schedule==1.2.2\nrequests==2.31.0\nurllib3==2.2.1\n",
	})

	m, err := Parse(fs, "/src", Python)
	require.NoError(t, err)

	assert.Equal(t, Python, m.Ecosystem)
	assert.Equal(t, []Package{
		{Name: "requests", Version: "2.31.0"},
		{Name: "schedule", Version: "1.2.2"},
	}, m.Declared)
	assert.Equal(t, "2.2.1", m.Locked["urllib3"])
	assert.NotEmpty(t, m.Fingerprint)
}

func TestParse_Node(t *testing.T) {
	fs := fsys.NewInMemory()
	writeService(t, fs, "/src", map[string]string{
		"package.json": `{"name":"adminportal","dependencies":{"express":"^4.18.0","react":"^18.2.0"}}`,
		"package-lock.json": `{
			"lockfileVersion": 3,
			"packages": {
				"": {"name": "adminportal"},
				"node_modules/express": {"version": "4.18.2"},
				"node_modules/react": {"version": "18.2.0"},
				"node_modules/react/node_modules/loose-envify": {"version": "1.4.0"}
			}
		}`,
	})

	m, err := Parse(fs, "/src", Node)
	require.NoError(t, err)

	assert.Len(t, m.Declared, 2)
	assert.Equal(t, "4.18.2", m.Locked["express"])
	assert.Equal(t, "1.4.0", m.Locked["loose-envify"])
	require.NoError(t, m.VerifyLock())
}

func TestParse_MissingFiles(t *testing.T) {
	fs := fsys.NewInMemory()
	require.NoError(t, fs.MkdirAll("/src", 0o755))

	_, err := Parse(fs, "/src", Python)
	require.ErrorIs(t, err, ErrMissingManifest)

	writeService(t, fs, "/src", map[string]string{"requirements.txt": "schedule==1.2.2\n"})
	_, err = Parse(fs, "/src", Python)
	require.ErrorIs(t, err, ErrMissingLock)
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		eco   Ecosystem
		files map[string]string
	}{
		{
			name: "python missing version pin",
			eco:  Python,
			files: map[string]string{
				"requirements.txt":  "schedule\n",
				"requirements.lock": "schedule==1.2.2\n",
			},
		},
		{
			name: "node invalid json",
			eco:  Node,
			files: map[string]string{
				"package.json":      "{not json",
				"package-lock.json": "{}",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := fsys.NewInMemory()
			writeService(t, fs, "/src", tt.files)
			_, err := Parse(fs, "/src", tt.eco)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestFingerprint_TracksDependencyChanges(t *testing.T) {
	fs := fsys.NewInMemory()
	writeService(t, fs, "/src", map[string]string{
		"requirements.txt":  "schedule==1.2.2\n",
		"requirements.lock": "schedule==1.2.2\n",
	})
	first, err := Parse(fs, "/src", Python)
	require.NoError(t, err)

	// Same content, same fingerprint.
	again, err := Parse(fs, "/src", Python)
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, again.Fingerprint)

	// One version bump changes the fingerprint.
	writeService(t, fs, "/src", map[string]string{
		"requirements.txt":  "schedule==1.2.3\n",
		"requirements.lock": "schedule==1.2.3\n",
	})
	bumped, err := Parse(fs, "/src", Python)
	require.NoError(t, err)
	assert.NotEqual(t, first.Fingerprint, bumped.Fingerprint)
}

func TestVerifyLock(t *testing.T) {
	tests := []struct {
		name     string
		manifest Manifest
		wantErr  bool
	}{
		{
			name: "python pins match",
			manifest: Manifest{
				Ecosystem: Python,
				Declared:  []Package{{Name: "schedule", Version: "1.2.2"}},
				Locked:    map[string]string{"schedule": "1.2.2"},
			},
		},
		{
			name: "python declared but not locked",
			manifest: Manifest{
				Ecosystem: Python,
				Declared:  []Package{{Name: "requests", Version: "2.31.0"}},
				Locked:    map[string]string{},
			},
			wantErr: true,
		},
		{
			name: "python version drift",
			manifest: Manifest{
				Ecosystem: Python,
				Declared:  []Package{{Name: "schedule", Version: "1.2.2"}},
				Locked:    map[string]string{"schedule": "1.2.1"},
			},
			wantErr: true,
		},
		{
			name: "node locked inside range",
			manifest: Manifest{
				Ecosystem: Node,
				Declared:  []Package{{Name: "express", Version: "^4.18.0"}},
				Locked:    map[string]string{"express": "4.19.1"},
			},
		},
		{
			name: "node locked outside range",
			manifest: Manifest{
				Ecosystem: Node,
				Declared:  []Package{{Name: "express", Version: "^4.18.0"}},
				Locked:    map[string]string{"express": "5.0.0"},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.manifest.VerifyLock()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrLockMismatch)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
