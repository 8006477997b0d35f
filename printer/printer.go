// Package printer implements the Printer type of spec §3/§4.5: the
// owned ordered job list, next-job selection, state-reason aggregation
// from the active job, and driver loading.
package printer

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/sulincix/printerd/attrvalue"
	"github.com/sulincix/printerd/driver"
	"github.com/sulincix/printerd/ipperr"
	"github.com/sulincix/printerd/job"
	"github.com/sulincix/printerd/jobstate"
	"github.com/sulincix/printerd/loop"
	"github.com/sulincix/printerd/pipeline"
)

// State is one of the three printer states spec §3 enumerates.
type State string

const (
	Idle       State = "idle"
	Processing State = "processing"
	Stopped    State = "stopped"
)

// Printer owns an ordered job list, picks the next job to run, and
// aggregates state-reasons broadcast by its active job. Every mutable
// field is guarded by mu, per spec §5's "Printer mutex guards jobs,
// defaults, supported, state, state_reasons, final_content_type,
// final_filter".
type Printer struct {
	ID         string
	DeviceName string

	loop       *loop.Loop
	spoolDir   string
	filterDir  string
	backendDir string
	parser     driver.Parser

	mu sync.RWMutex

	deviceURIs []string
	defaults   attrvalue.Map
	supported  map[string]attrvalue.SupportedSet

	jobs         []*job.Job
	state        State
	stateReasons map[string]struct{}
	detached     bool

	finalContentType *string
	finalFilter      *string

	nextJobID uint32

	// OnJobRemoved notifies the Engine to drop the job from its global
	// index once this Printer has finished its own bookkeeping.
	OnJobRemoved func(j *job.Job)
}

// New creates a Printer with the given id and at least one device URI.
func New(id string, deviceURIs []string, l *loop.Loop, spoolDir, filterDir, backendDir string, parser driver.Parser) (*Printer, error) {
	if len(deviceURIs) == 0 {
		return nil, ipperr.New(ipperr.InvalidArgument, "printer requires at least one device URI")
	}
	if parser == nil {
		parser = driver.NullParser{}
	}
	return &Printer{
		ID:           id,
		loop:         l,
		spoolDir:     spoolDir,
		filterDir:    filterDir,
		backendDir:   backendDir,
		parser:       parser,
		deviceURIs:   append([]string(nil), deviceURIs...),
		defaults:     attrvalue.Map{},
		supported:    map[string]attrvalue.SupportedSet{},
		state:        Idle,
		stateReasons: make(map[string]struct{}),
	}, nil
}

// SetDetached marks the printer as detached from its backing USB
// device (or re-attached). Per spec §4.6 a detached printer is not
// destroyed: jobs already in flight are left to run to completion.
func (p *Printer) SetDetached(detached bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detached = detached
}

// Detached reports whether the printer's backing USB device was last
// seen as removed.
func (p *Printer) Detached() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.detached
}

// URI returns the printer's primary device URI, its first.
func (p *Printer) URI() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.deviceURIs[0]
}

// State returns the printer's current state.
func (p *Printer) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// StateReasons returns a snapshot of the printer's aggregated reasons.
func (p *Printer) StateReasons() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.stateReasons))
	for tag := range p.stateReasons {
		out = append(out, tag)
	}
	return out
}

// Jobs returns a snapshot of the printer's jobs in insertion order.
func (p *Printer) Jobs() []*job.Job {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*job.Job, len(p.jobs))
	copy(out, p.jobs)
	return out
}

// SetSupported declares the set of allowed values for a given attribute
// key; job creation rejects (but does not fail on) unsupported values
// for keys present here.
func (p *Printer) SetSupported(key string, set attrvalue.SupportedSet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.supported[key] = set
}

// CreateJob implements spec §4.5's CreateJob: merge defaults into the
// submitted attributes (attributes win on conflict), strip any
// unsupported values (returning them to the caller; the key falls back
// to the printer default if there is one), allocate a Job,
// subscribe to its events, and append it to the job list.
func (p *Printer) CreateJob(name string, attrs attrvalue.Map, originatingUser string) (*job.Job, attrvalue.Map, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	merged := p.defaults.Merge(attrs)
	unsupported := attrvalue.Map{}
	for key, val := range attrs {
		set, ok := p.supported[key]
		if !ok {
			continue
		}
		if !set.Allows(val) {
			unsupported[key] = val
			if def, ok := p.defaults[key]; ok {
				merged[key] = def
			} else {
				delete(merged, key)
			}
		}
	}
	merged["job-originating-user-name"] = attrvalue.String(originatingUser)

	p.nextJobID++
	id := p.nextJobID

	j := job.New(id, p.ID, name, merged, originatingUser, p.loop, p.spoolDir)
	j.OnStateReasonChange = func(add bool, tag string) { p.onJobStateReason(add, tag) }
	j.OnTerminal = func(jb *job.Job) { p.onJobTerminal(jb) }
	j.MarkIncoming()

	p.jobs = append(p.jobs, j)
	return j, unsupported, nil
}

// onJobStateReason mirrors a job's reason change into the printer's
// aggregate set. Deliberately not refcounted: if two jobs both add the
// same tag and one later removes it, the tag disappears from the
// printer's set even though the other job still has it — this matches
// the observed behavior of the system this engine was modeled on.
func (p *Printer) onJobStateReason(add bool, tag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if add {
		p.stateReasons[tag] = struct{}{}
	} else {
		delete(p.stateReasons, tag)
	}
}

// onJobTerminal runs when a job reaches a terminal state: if the printer
// is processing, it returns to idle (only one job processes at a time,
// whichever job ended); the job is then dropped from
// the list and the Engine is notified to drop its own index entry.
func (p *Printer) onJobTerminal(j *job.Job) {
	p.mu.Lock()
	wasActive := p.state == Processing
	for i, cur := range p.jobs {
		if cur == j {
			p.jobs = append(p.jobs[:i], p.jobs[i+1:]...)
			break
		}
	}
	if wasActive {
		p.state = Idle
	}
	p.mu.Unlock()

	if p.OnJobRemoved != nil {
		p.OnJobRemoved(j)
	}
}

// NextJob scans the job list in insertion order and returns the first
// job in pending, or nil if none is ready. No fairness or priority
// beyond arrival order.
func (p *Printer) NextJob() *job.Job {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, j := range p.jobs {
		if j.State() == jobstate.Pending {
			return j
		}
	}
	return nil
}

// RunNext selects the next pending job, if any, and starts its
// pipeline. Only one job processes at a time per printer.
func (p *Printer) RunNext(ctx context.Context) error {
	p.mu.Lock()
	if p.state != Idle {
		p.mu.Unlock()
		return nil
	}
	j := p.nextJobPendingLocked()
	if j == nil {
		p.mu.Unlock()
		return nil
	}
	p.state = Processing
	spec := p.pipelineSpecLocked(j)
	p.mu.Unlock()

	if err := j.Select(ctx, spec); err != nil {
		p.mu.Lock()
		p.state = Idle
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *Printer) nextJobPendingLocked() *job.Job {
	for _, j := range p.jobs {
		if j.State() == jobstate.Pending {
			return j
		}
	}
	return nil
}

func (p *Printer) pipelineSpecLocked(j *job.Job) pipeline.Spec {
	scheme, deviceURI := schemeOf(p.deviceURIs[0])
	filterCmd := "pstops"
	if p.finalFilter != nil && *p.finalFilter != "" {
		filterCmd = *p.finalFilter
	}
	return pipeline.Spec{
		SpoolPath:  j.DocumentFilename(),
		FilterDir:  p.filterDir,
		FilterCmd:  filterCmd,
		BackendDir: p.backendDir,
		Scheme:     scheme,
		DeviceURI:  deviceURI,
		JobID:      itoa(j.ID),
		User:       j.OriginatingUser,
		Title:      j.Name,
	}
}

// SetDriver loads path through the printer's opaque PPD parser and
// replaces final_content_type/final_filter with the lowest-cost entry.
func (p *Printer) SetDriver(path string) error {
	entries, err := p.parser.Load(path)
	if err != nil {
		return ipperr.Wrap(ipperr.IOError, "loading driver descriptor", err)
	}
	mime, filterCmd := driver.SelectLowestCost(entries)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.finalContentType = &mime
	p.finalFilter = &filterCmd
	return nil
}

// UpdateDefaults right-biased merges defaults into the printer's
// existing defaults.
func (p *Printer) UpdateDefaults(defaults attrvalue.Map) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaults = p.defaults.Merge(defaults)
}

// SetDeviceUris replaces the printer's device URI list. Must be
// non-empty.
func (p *Printer) SetDeviceUris(uris []string) error {
	if len(uris) == 0 {
		return ipperr.New(ipperr.InvalidArgument, "device URI list must be non-empty")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deviceURIs = append([]string(nil), uris...)
	return nil
}

// schemeOf splits a device URI into its scheme (used to locate the
// backend binary under backendDir) and the URI itself, passed through
// to the backend verbatim.
func schemeOf(uri string) (scheme, full string) {
	if i := strings.Index(uri, "://"); i >= 0 {
		return uri[:i], uri
	}
	return uri, uri
}

func itoa(id uint32) string { return strconv.FormatUint(uint64(id), 10) }

// CanonicalID derives the printer id spec §3 describes: name reduced to
// ASCII alphanumerics and underscores, every other byte (each byte of a
// multi-byte UTF-8 character included) replaced with an underscore.
func CanonicalID(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
