package policy

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Meander-Cloud/go-policyd/crypt"
	"github.com/Meander-Cloud/go-policyd/message"
	"github.com/Meander-Cloud/go-policyd/remote"
)

const (
	configAsset    = "config"
	configFileName = "config.dat"
	listsDirName   = "lists"
	scratchPattern = "scratch-*"
)

// Freshness of a local asset against the remote service. Unknown means the
// remote could not be asked and must never be read as current.
type Freshness uint8

const (
	FreshnessUnknown Freshness = 0
	FreshnessCurrent Freshness = 1
	FreshnessStale   Freshness = 2
)

func (f Freshness) String() string {
	switch f {
	case FreshnessUnknown:
		return "Unknown"
	case FreshnessCurrent:
		return "Current"
	case FreshnessStale:
		return "Stale"
	default:
		return "Unknown Freshness"
	}
}

type stepResult uint8

const (
	stepOK      stepResult = 0
	stepOffline stepResult = 1
	stepFailed  stepResult = 2
)

type Options struct {
	DataDir string
	Cipher  *crypt.Cipher
	Remote  remote.Service
	Matcher Matcher

	UpdateFrequencyFloor time.Duration
	DecryptWorkers       int

	LogPrefix string
	LogDebug  bool
}

// Snapshot is immutable once installed; a refresh builds a new one and swaps
// it in under the write lock.
type Snapshot struct {
	Config     *Configuration
	ConfigHash string

	ListHashes  map[string]string // logical path -> sha1 of plaintext
	ListsHash   string
	ListsLoaded bool

	Registry *CategoryRegistry
	Enabled  *CategoryIndex
	Triggers *TriggerIndex

	LoadedAt time.Time
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Config:      nil,
		ConfigHash:  "",
		ListHashes:  make(map[string]string),
		ListsHash:   "",
		ListsLoaded: false,
		Registry:    NewCategoryRegistry(),
		Enabled:     NewCategoryIndex(),
		Triggers:    NewTriggerIndex(0),
	}
}

func (s *Snapshot) clone() *Snapshot {
	c := *s
	return &c
}

// Summary is the client-facing view of the snapshot.
func (s *Snapshot) Summary() *message.ConfigurationSnapshot {
	out := &message.ConfigurationSnapshot{
		ConfigHash: s.ConfigHash,
		ListsHash:  s.ListsHash,
		LoadedAt:   s.LoadedAt.UnixMilli(),
	}
	if s.Config == nil {
		return out
	}

	out.UpdateFrequencySecs = int64(s.Config.UpdateFrequency / time.Second)
	out.BlacklistedApplications = s.Config.BlacklistedApplications.Entries()
	out.WhitelistedApplications = s.Config.WhitelistedApplications.Entries()
	out.BypassesPermitted = s.Config.BypassesPermitted
	out.BypassDurationSecs = int64(s.Config.BypassDuration / time.Second)
	out.TimeRestrictions = s.Config.TimeRestrictions

	for _, rec := range s.Registry.Records() {
		out.Lists = append(
			out.Lists,
			message.ListSummary{
				Path:             rec.Name,
				ListType:         rec.ListType.String(),
				CategoryID:       rec.ID,
				PairedCategoryID: rec.PairedID,
				Enabled:          s.Enabled.Enabled(rec.ID),
			},
		)
	}

	return out
}

type RefreshResult struct {
	Result  message.ConfigUpdateResult
	Config  Freshness
	Lists   Freshness
	Changed bool // a new snapshot was installed
}

// Store owns the policy snapshot. One RWMutex guards it: a refresh holds the
// write side for the whole cycle, the matcher holds the read side for each
// filtering decision.
type Store struct {
	options *Options
	now     func() time.Time

	mutex    sync.RWMutex
	snapshot *Snapshot
}

func NewStore(options *Options) (*Store, error) {
	if options.DataDir == "" {
		err := fmt.Errorf("%s: invalid DataDir=%s", options.LogPrefix, options.DataDir)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.Cipher == nil {
		err := fmt.Errorf("%s: nil Cipher", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.Remote == nil {
		err := fmt.Errorf("%s: nil Remote", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.Matcher == nil {
		options.Matcher = NopMatcher{}
	}
	if options.DecryptWorkers <= 0 {
		options.DecryptWorkers = 1
	}

	err := os.MkdirAll(filepath.Join(options.DataDir, listsDirName), 0o700)
	if err != nil {
		err = fmt.Errorf("%s: failed to create data directory, err=%w", options.LogPrefix, err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	s := &Store{
		options: options,
		now:     time.Now,

		mutex:    sync.RWMutex{},
		snapshot: emptySnapshot(),
	}

	return s, nil
}

func (s *Store) configPath() string {
	return filepath.Join(s.options.DataDir, configFileName)
}

func (s *Store) listPath(p string) string {
	return filepath.Join(s.options.DataDir, listsDirName, listFileName(p))
}

// listSet is the list-derived half of a snapshot, built by loadLists before
// anything is installed.
type listSet struct {
	registry *CategoryRegistry
	enabled  *CategoryIndex
	triggers *TriggerIndex
	hashes   map[string]string
}

func (l *listSet) apply(next *Snapshot) {
	next.Registry = l.registry
	next.Enabled = l.enabled
	next.Triggers = l.triggers
	next.ListHashes = l.hashes
	next.ListsHash = combinedHash(l.hashes)
	next.ListsLoaded = true
}

// Refresh runs VerifyConfig, DownloadConfig, LoadConfig, VerifyLists,
// DownloadLists and LoadLists as one cycle under the write lock, skipping
// downloads for current assets and loads for unchanged ones. The new
// configuration and lists are installed together, and only when every step
// that ran succeeded.
func (s *Store) Refresh(ctx context.Context) RefreshResult {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	r := RefreshResult{Result: message.ConfigUpdateResultInvalid}
	offline, failed := false, false
	note := func(step stepResult) bool {
		switch step {
		case stepOffline:
			offline = true
		case stepFailed:
			failed = true
		}
		return step == stepOK
	}

	log.Printf("%s: refresh starting", s.options.LogPrefix)

	live := s.snapshot
	cfg, cfgHash := live.Config, live.ConfigHash

	var localHash string
	configDownloaded := false
	r.Config, localHash = s.verifyConfig(ctx)
	switch r.Config {
	case FreshnessStale:
		configDownloaded = note(s.downloadConfig(ctx))
	case FreshnessUnknown:
		offline = true
	}

	// a stored document that an earlier cycle could not install is retried
	configPending := localHash != "" && localHash != live.ConfigHash

	configLoaded := false
	if configDownloaded || configPending || cfg == nil {
		loaded, hash, ok := s.readConfig()
		if ok {
			cfg, cfgHash = loaded, hash
			configLoaded = true
		} else {
			failed = true
		}
	}

	if cfg == nil {
		r.Result = message.ConfigUpdateResultErrorOccurred
		if offline {
			r.Result = message.ConfigUpdateResultNoInternet
		}
		log.Printf("%s: refresh finished without configuration, result=%s", s.options.LogPrefix, r.Result)
		return r
	}

	var stale []string
	var unknown int
	var listsPending bool
	r.Lists, stale, unknown, listsPending = s.verifyLists(ctx, cfg, live)
	if unknown > 0 {
		offline = true
	}

	listsDownloaded := false
	if len(stale) > 0 {
		listsDownloaded = note(s.downloadLists(ctx, stale))
	}

	if configLoaded || listsDownloaded || listsPending || !live.ListsLoaded {
		lists, ok := s.loadLists(cfg)
		if ok {
			next := live.clone()
			next.Config = cfg
			next.ConfigHash = cfgHash
			lists.apply(next)
			next.LoadedAt = s.now()
			s.snapshot = next
			r.Changed = true
		} else {
			failed = true
		}
	}

	switch {
	case failed:
		r.Result = message.ConfigUpdateResultErrorOccurred
	case offline:
		r.Result = message.ConfigUpdateResultNoInternet
	case r.Changed:
		r.Result = message.ConfigUpdateResultUpdated
	default:
		r.Result = message.ConfigUpdateResultUpToDate
	}

	log.Printf(
		"%s: refresh finished, result=%s, config=%s, lists=%s, changed=%t",
		s.options.LogPrefix,
		r.Result,
		r.Config,
		r.Lists,
		r.Changed,
	)
	return r
}

func (s *Store) VerifyConfig(ctx context.Context) Freshness {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	f, _ := s.verifyConfig(ctx)
	return f
}

// DownloadConfig fetches the remote document and stores it only if it
// parses.
func (s *Store) DownloadConfig(ctx context.Context) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.downloadConfig(ctx) == stepOK
}

// LoadConfig installs the stored document alongside the lists already
// loaded. On any failure the live snapshot is left untouched.
func (s *Store) LoadConfig() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cfg, hash, ok := s.readConfig()
	if !ok {
		return false
	}

	next := s.snapshot.clone()
	next.Config = cfg
	next.ConfigHash = hash
	next.LoadedAt = s.now()
	s.snapshot = next
	return true
}

func (s *Store) VerifyLists(ctx context.Context) Freshness {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.snapshot.Config == nil {
		return FreshnessUnknown
	}
	f, _, _, _ := s.verifyLists(ctx, s.snapshot.Config, s.snapshot)
	return f
}

func (s *Store) DownloadLists(ctx context.Context, paths []string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.downloadLists(ctx, paths) == stepOK
}

// LoadLists reloads every list of the live configuration and installs them.
// On any failure the live snapshot and the matcher are left untouched.
func (s *Store) LoadLists() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cfg := s.snapshot.Config
	if cfg == nil {
		log.Printf("%s: no configuration, cannot load lists", s.options.LogPrefix)
		return false
	}

	lists, ok := s.loadLists(cfg)
	if !ok {
		return false
	}

	next := s.snapshot.clone()
	lists.apply(next)
	next.LoadedAt = s.now()
	s.snapshot = next
	return true
}

// caller must hold write lock
func (s *Store) verifyConfig(ctx context.Context) (Freshness, string) {
	return s.verify(ctx, configAsset, s.configPath())
}

// verify also returns the hash of the local file, empty when it is missing
// or unreadable, whether or not the remote answered.
//
// caller must hold write lock
func (s *Store) verify(ctx context.Context, asset, file string) (Freshness, string) {
	localHash, found := s.localHash(file)

	remoteHash, ok := s.options.Remote.VerifyHash(ctx, asset)
	if !ok {
		log.Printf("%s: %s freshness unknown", s.options.LogPrefix, asset)
		return FreshnessUnknown, localHash
	}

	if !found {
		log.Printf("%s: %s missing locally", s.options.LogPrefix, asset)
		return FreshnessStale, ""
	}

	if !strings.EqualFold(localHash, remoteHash) {
		log.Printf("%s: %s stale, local=%s, remote=%s", s.options.LogPrefix, asset, localHash, remoteHash)
		return FreshnessStale, localHash
	}

	if s.options.LogDebug {
		log.Printf("%s: %s current, hash=%s", s.options.LogPrefix, asset, localHash)
	}
	return FreshnessCurrent, localHash
}

func (s *Store) localHash(file string) (string, bool) {
	plain, err := s.options.Cipher.ReadFile(file)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("%s: failed to read %s, err=%s", s.options.LogPrefix, file, err.Error())
		}
		return "", false
	}
	return hashOf(plain), true
}

func hashOf(plain []byte) string {
	sum := sha1.Sum(plain)
	return hex.EncodeToString(sum[:])
}

// A document that does not parse never replaces the stored one.
//
// caller must hold write lock
func (s *Store) downloadConfig(ctx context.Context) stepResult {
	data, ok := s.options.Remote.FetchConfig(ctx)
	if !ok {
		return stepOffline
	}

	_, err := ParseConfiguration(data, s.options.UpdateFrequencyFloor)
	if err != nil {
		log.Printf("%s: downloaded configuration rejected, stored copy kept, err=%s", s.options.LogPrefix, err.Error())
		return stepFailed
	}

	err = s.options.Cipher.WriteFile(s.configPath(), data)
	if err != nil {
		log.Printf("%s: failed to store configuration, err=%s", s.options.LogPrefix, err.Error())
		return stepFailed
	}

	log.Printf("%s: configuration downloaded, %d bytes", s.options.LogPrefix, len(data))
	return stepOK
}

// caller must hold write lock
func (s *Store) readConfig() (*Configuration, string, bool) {
	data, err := s.options.Cipher.ReadFile(s.configPath())
	if err != nil {
		log.Printf("%s: failed to read configuration, err=%s", s.options.LogPrefix, err.Error())
		return nil, "", false
	}

	cfg, err := ParseConfiguration(data, s.options.UpdateFrequencyFloor)
	if err != nil {
		log.Printf("%s: configuration rejected, err=%s", s.options.LogPrefix, err.Error())
		return nil, "", false
	}

	hash := hashOf(data)
	log.Printf(
		"%s: configuration read, lists=%d, updateFrequency=%v, hash=%s",
		s.options.LogPrefix,
		len(cfg.Lists),
		cfg.UpdateFrequency,
		hash,
	)
	return cfg, hash, true
}

// verifyLists checks every list of cfg. The last result reports stored lists
// that differ from what live has loaded, left behind by an earlier cycle that
// could not install them.
//
// caller must hold write lock
func (s *Store) verifyLists(ctx context.Context, cfg *Configuration, live *Snapshot) (Freshness, []string, int, bool) {
	var stale []string
	unknown := 0
	pending := false
	seen := make(map[string]struct{}, len(cfg.Lists))
	for _, entry := range cfg.Lists {
		_, dup := seen[entry.Path]
		if dup {
			continue
		}
		seen[entry.Path] = struct{}{}

		f, localHash := s.verify(ctx, entry.Path, s.listPath(entry.Path))
		switch f {
		case FreshnessStale:
			stale = append(stale, entry.Path)
		case FreshnessUnknown:
			unknown++
		}
		if live.ListsLoaded && localHash != "" && localHash != live.ListHashes[entry.Path] {
			pending = true
		}
	}

	switch {
	case len(stale) > 0:
		return FreshnessStale, stale, unknown, pending
	case unknown > 0:
		return FreshnessUnknown, nil, unknown, pending
	default:
		return FreshnessCurrent, nil, 0, pending
	}
}

// caller must hold write lock
func (s *Store) downloadLists(ctx context.Context, paths []string) stepResult {
	bundle, ok := s.options.Remote.FetchLists(ctx, paths)
	if !ok {
		return stepOffline
	}

	entries, err := openBundle(bundle, paths)
	if err != nil {
		log.Printf("%s: %s", s.options.LogPrefix, err.Error())
		return stepFailed
	}

	result := stepOK
	received := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		err := func() error {
			rc, err := entry.File.Open()
			if err != nil {
				return err
			}
			defer rc.Close()

			return s.options.Cipher.EncryptFrom(s.listPath(entry.Path), rc)
		}()
		if err != nil {
			log.Printf("%s: failed to store list %s, err=%s", s.options.LogPrefix, entry.Path, err.Error())
			result = stepFailed
			continue
		}
		received[entry.Path] = struct{}{}
	}

	for _, p := range paths {
		_, found := received[p]
		if !found {
			log.Printf("%s: list %s missing from bundle", s.options.LogPrefix, p)
			result = stepFailed
		}
	}

	log.Printf("%s: stored %d of %d requested list(s)", s.options.LogPrefix, len(received), len(paths))
	return result
}

type listJob struct {
	entry ListEntry
	rec   *CategoryRecord
	src   string
	dst   string
	hash  string
	plain []byte // retained for enabled text triggers only
	err   error
}

// loadLists decrypts every list of cfg into a scratch directory and feeds it
// to the matcher. Any decrypt failure aborts before the matcher is touched.
// Installing the result is left to the caller. The scratch directory is
// removed on every path.
//
// caller must hold write lock
func (s *Store) loadLists(cfg *Configuration) (*listSet, bool) {
	registry := NewCategoryRegistry()
	jobs := make([]*listJob, 0, len(cfg.Lists))
	for _, entry := range cfg.Lists {
		_, dup := registry.Lookup(entry.Path)
		if dup {
			log.Printf("%s: list %s configured more than once, keeping first", s.options.LogPrefix, entry.Path)
			continue
		}

		rec, err := registry.Register(entry.Path, entry.ListType)
		if err != nil {
			log.Printf("%s: skipping list, err=%s", s.options.LogPrefix, err.Error())
			continue
		}

		jobs = append(jobs, &listJob{entry: entry, rec: rec, src: s.listPath(entry.Path)})
	}

	scratch, err := os.MkdirTemp(s.options.DataDir, scratchPattern)
	if err != nil {
		log.Printf("%s: failed to create scratch directory, err=%s", s.options.LogPrefix, err.Error())
		return nil, false
	}
	defer func() {
		err := os.RemoveAll(scratch)
		if err != nil {
			log.Printf("%s: failed to remove scratch directory %s, err=%s", s.options.LogPrefix, scratch, err.Error())
		}
	}()

	var g errgroup.Group
	g.SetLimit(s.options.DecryptWorkers)
	for i, job := range jobs {
		job.dst = filepath.Join(scratch, fmt.Sprintf("%05d%s", i, listFileExt))
		g.Go(func() error {
			plain, err := s.options.Cipher.ReadFile(job.src)
			if err != nil {
				job.err = err
				return err
			}
			job.hash = hashOf(plain)

			err = os.WriteFile(job.dst, plain, 0o600)
			if err != nil {
				job.err = err
				return err
			}

			// a disabled list must not claim phrases an enabled one shares
			if job.entry.ListType == ListTypeTextTrigger && job.entry.Enabled {
				job.plain = plain
			}
			return nil
		})
	}

	err = g.Wait()
	if err != nil {
		failed := 0
		for _, job := range jobs {
			if job.err != nil {
				failed++
				log.Printf("%s: list %s undecryptable, err=%s", s.options.LogPrefix, job.entry.Path, job.err.Error())
			}
		}
		log.Printf("%s: %d of %d list(s) failed, snapshot kept", s.options.LogPrefix, failed, len(jobs))
		return nil, false
	}

	var phrases [][]string
	expected := 0
	for _, job := range jobs {
		var p []string
		if job.plain != nil {
			p = ParseTriggers(job.plain)
		}
		phrases = append(phrases, p)
		expected += len(p)
	}
	triggers := NewTriggerIndex(expected)

	m := s.options.Matcher
	m.Clear()

	enabled := NewCategoryIndex()
	hashes := make(map[string]string, len(jobs))
	for i, job := range jobs {
		hashes[job.entry.Path] = job.hash

		err := m.LoadRules(job.dst, job.rec.ID, job.rec.ListType)
		if err != nil {
			log.Printf("%s: matcher rejected list %s, err=%s", s.options.LogPrefix, job.entry.Path, err.Error())
			continue
		}
		enabled.Set(job.rec.ID, job.entry.Enabled)
		m.SetCategoryEnabled(job.rec.ID, job.entry.Enabled)

		for _, phrase := range phrases[i] {
			triggers.Add(phrase, job.rec.ID)
		}

		twin, found := registry.Paired(job.rec)
		if !found {
			continue
		}
		err = m.LoadRules(job.dst, twin.ID, twin.ListType)
		if err != nil {
			log.Printf("%s: matcher rejected whitelist twin of %s, err=%s", s.options.LogPrefix, job.entry.Path, err.Error())
		}
		// the twin stays off until a relaxation promotes it
		enabled.Set(twin.ID, false)
		m.SetCategoryEnabled(twin.ID, false)
	}

	log.Printf(
		"%s: lists loaded, categories=%d, enabled=%d, triggers=%d",
		s.options.LogPrefix,
		registry.Len(),
		enabled.Count(),
		triggers.Len(),
	)
	return &listSet{registry: registry, enabled: enabled, triggers: triggers, hashes: hashes}, true
}

func combinedHash(hashes map[string]string) string {
	paths := make([]string, 0, len(hashes))
	for p := range hashes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha1.New()
	for _, p := range paths {
		fmt.Fprintf(h, "%s:%s\n", p, hashes[p])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Read runs f with the live snapshot under the read lock.
func (s *Store) Read(f func(*Snapshot)) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	f(s.snapshot)
}

// RLocker is the read side handed to the matcher.
func (s *Store) RLocker() sync.Locker {
	return s.mutex.RLocker()
}

// Current returns the live snapshot; callers must treat it as read-only.
func (s *Store) Current() *Snapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.snapshot
}

func (s *Store) IsCategoryEnabled(id uint16) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.snapshot.Enabled.Enabled(id)
}

func (s *Store) MatchTrigger(text string) (uint16, string, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.snapshot.Triggers.Match(text)
}

// IsApplicationBlocked reports whether exe is blacklisted and not
// whitelisted by the loaded configuration.
func (s *Store) IsApplicationBlocked(exe string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	cfg := s.snapshot.Config
	if cfg == nil {
		return false
	}
	return cfg.BlacklistedApplications.Match(exe) && !cfg.WhitelistedApplications.Match(exe)
}
