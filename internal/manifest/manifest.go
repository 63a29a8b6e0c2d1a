package manifest

import (
	"sort"
	"strconv"
	"time"
)

// FileRecord describes a single bundle as published by the server
type FileRecord struct {
	FileName string `json:"fileName"`
	DirName  string `json:"dirName"`
	Size     int64  `json:"size"`
	MD5      string `json:"md5"`
}

// FullName returns the key under which the record is stored in a manifest
func (r FileRecord) FullName() string {
	if r.DirName == "" {
		return r.FileName
	}
	return r.DirName + "/" + r.FileName
}

// Manifest is a versioned catalog of bundle files keyed by full name
type Manifest struct {
	ProductName     string                `json:"PRODUCT_NAME"`
	AppVersion      string                `json:"APP_VERSION"`
	ResourceVersion string                `json:"RES_VERSION"`
	Files           map[string]FileRecord `json:"RES_FILES"`
}

// New creates an empty manifest
func New(product, appVersion, resourceVersion string) *Manifest {
	return &Manifest{
		ProductName:     product,
		AppVersion:      appVersion,
		ResourceVersion: resourceVersion,
		Files:           make(map[string]FileRecord),
	}
}

// AddFile inserts rec under fullName unless the name is already present.
// It reports whether the record was added.
func (m *Manifest) AddFile(fullName string, rec FileRecord) bool {
	if m.Files == nil {
		m.Files = make(map[string]FileRecord)
	}
	if _, exists := m.Files[fullName]; exists {
		return false
	}
	m.Files[fullName] = rec
	return true
}

// PutFile inserts or replaces the record stored under fullName
func (m *Manifest) PutFile(fullName string, rec FileRecord) {
	if m.Files == nil {
		m.Files = make(map[string]FileRecord)
	}
	m.Files[fullName] = rec
}

// HasFile reports whether fullName is listed
func (m *Manifest) HasFile(fullName string) bool {
	_, ok := m.Files[fullName]
	return ok
}

// GetFile returns the record stored under fullName
func (m *Manifest) GetFile(fullName string) (FileRecord, bool) {
	rec, ok := m.Files[fullName]
	return rec, ok
}

// TotalSize sums the declared sizes of all records
func (m *Manifest) TotalSize() int64 {
	var total int64
	for _, rec := range m.Files {
		total += rec.Size
	}
	return total
}

// FileCount returns the number of records
func (m *Manifest) FileCount() int {
	return len(m.Files)
}

// Names returns all full names in lexical order
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Files))
	for name := range m.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy
func (m *Manifest) Clone() *Manifest {
	c := New(m.ProductName, m.AppVersion, m.ResourceVersion)
	for name, rec := range m.Files {
		c.Files[name] = rec
	}
	return c
}

// Merge folds update into m: existing entries are overwritten, new ones appended.
// Version fields are taken from update when set.
func (m *Manifest) Merge(update *Manifest) {
	if update == nil {
		return
	}
	if update.ProductName != "" {
		m.ProductName = update.ProductName
	}
	if update.AppVersion != "" {
		m.AppVersion = update.AppVersion
	}
	if update.ResourceVersion != "" {
		m.ResourceVersion = update.ResourceVersion
	}
	for name, rec := range update.Files {
		m.PutFile(name, rec)
	}
}

// ResourceVersion builds the resource version string for a build made at t
func ResourceVersion(appVersion string, t time.Time) string {
	return appVersion + strconv.FormatInt(t.Unix(), 10)
}
