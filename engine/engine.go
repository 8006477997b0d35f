// Package engine implements the Engine type of spec §4.6: the
// top-level owner of printers and jobs, and the bridge between the USB
// device-event stream and printer lifecycle.
package engine

import (
	"sync"

	"github.com/sulincix/printerd/attrvalue"
	"github.com/sulincix/printerd/device"
	"github.com/sulincix/printerd/driver"
	"github.com/sulincix/printerd/ipperr"
	"github.com/sulincix/printerd/job"
	"github.com/sulincix/printerd/logger"
	"github.com/sulincix/printerd/loop"
	"github.com/sulincix/printerd/printer"
)

// Engine owns printers keyed by id and jobs keyed by id. It holds no
// reference that would keep a job alive past its own terminal cleanup:
// the job index entry is dropped the moment the owning Printer reports
// the job removed.
type Engine struct {
	loop *loop.Loop
	log  logger.Logger

	spoolDir   string
	filterDir  string
	backendDir string
	parser     driver.Parser

	objects *ObjectRegistry

	mu              sync.Mutex
	printers        map[string]*printer.Printer
	jobs            map[uint32]*job.Job
	deviceToPrinter map[string]string // sysfs_path -> printer id, for USB-bridged printers
}

// New constructs an Engine bound to l. spoolDir/filterDir/backendDir and
// parser are passed through to every Printer it creates.
func New(l *loop.Loop, log logger.Logger, spoolDir, filterDir, backendDir string, parser driver.Parser) *Engine {
	if log == nil {
		log = logger.Null()
	}
	e := &Engine{
		loop:            l,
		log:             log,
		spoolDir:        spoolDir,
		filterDir:       filterDir,
		backendDir:      backendDir,
		parser:          parser,
		objects:         NewObjectRegistry(),
		printers:        make(map[string]*printer.Printer),
		jobs:            make(map[uint32]*job.Job),
		deviceToPrinter: make(map[string]string),
	}
	e.objects.Add(ManagerPath, e)
	return e
}

// AddPrinter creates and registers a new Printer. Fails with Conflict
// if id is already in use.
func (e *Engine) AddPrinter(id string, deviceURIs []string) (*printer.Printer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.printers[id]; exists {
		return nil, ipperr.New(ipperr.Conflict, "printer already exists: "+id)
	}

	p, err := printer.New(id, deviceURIs, e.loop, e.spoolDir, e.filterDir, e.backendDir, e.parser)
	if err != nil {
		return nil, err
	}
	p.OnJobRemoved = func(j *job.Job) { e.removeJob(JobPath(j.ID)) }

	e.printers[id] = p
	e.objects.Add(PrinterPath(id), p)
	e.log.Info("printer added", "printer_id", id, "device_uris", deviceURIs)
	return p, nil
}

// RemovePrinter unregisters a printer by id. In-flight jobs are not
// touched; callers are expected to have drained them first.
func (e *Engine) RemovePrinter(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.printers, id)
	e.objects.Remove(PrinterPath(id))
}

// GetPrinterByPath resolves a URI-style object path to a Printer.
func (e *Engine) GetPrinterByPath(path string) (*printer.Printer, bool) {
	obj, ok := e.objects.Find(path)
	if !ok {
		return nil, false
	}
	p, ok := obj.(*printer.Printer)
	return p, ok
}

// AddJob allocates a Job bound to the printer at printerPath, via that
// Printer's CreateJob, then indexes it globally by id.
func (e *Engine) AddJob(printerPath, name string, attrs attrvalue.Map, user string) (*job.Job, attrvalue.Map, error) {
	p, ok := e.GetPrinterByPath(printerPath)
	if !ok {
		return nil, nil, ipperr.New(ipperr.InvalidArgument, "no such printer: "+printerPath)
	}

	j, unsupported, err := p.CreateJob(name, attrs, user)
	if err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	e.jobs[j.ID] = j
	e.mu.Unlock()
	e.objects.Add(JobPath(j.ID), j)

	return j, unsupported, nil
}

// removeJob drops a job's index entry and registry path. Invoked by a
// Printer's OnJobRemoved hook during its own terminal cleanup.
func (e *Engine) removeJob(path string) {
	obj, ok := e.objects.Find(path)
	if !ok {
		return
	}
	j, ok := obj.(*job.Job)
	if !ok {
		return
	}
	e.mu.Lock()
	delete(e.jobs, j.ID)
	e.mu.Unlock()
	e.objects.Remove(path)
}

// Printers returns a snapshot of every registered printer, in no
// particular order.
func (e *Engine) Printers() []*printer.Printer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*printer.Printer, 0, len(e.printers))
	for _, p := range e.printers {
		out = append(out, p)
	}
	return out
}

// GetJobByPath resolves a URI-style object path to a Job.
func (e *Engine) GetJobByPath(path string) (*job.Job, bool) {
	obj, ok := e.objects.Find(path)
	if !ok {
		return nil, false
	}
	j, ok := obj.(*job.Job)
	return j, ok
}

// RemoveJob force-closes the job at path — releasing its pipeline and
// spool file even if it never reached a terminal state on its own — and
// drops it from the engine's index. Closing a job that already finished
// normally is a no-op, since Job.Close is idempotent.
func (e *Engine) RemoveJob(path string) error {
	j, ok := e.GetJobByPath(path)
	if !ok {
		return ipperr.New(ipperr.InvalidArgument, "no such job: "+path)
	}
	j.Close()
	e.removeJob(path)
	return nil
}

// Shutdown force-closes every job the engine still holds. Intended for
// daemon teardown, where jobs mid-pipeline would otherwise leak their
// spawned children's file descriptors.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	jobs := make([]*job.Job, 0, len(e.jobs))
	for _, j := range e.jobs {
		jobs = append(jobs, j)
	}
	e.mu.Unlock()

	for _, j := range jobs {
		j.Close()
	}
}

// HandleDeviceEvent bridges the device scanner's output into printer
// lifecycle, per spec §4.6: a USB add creates a Printer named from the
// device's description; a remove marks it detached without destroying
// it, since jobs may still be in flight.
func (e *Engine) HandleDeviceEvent(ev device.Event) {
	switch ev.Kind {
	case device.Added:
		id := printer.CanonicalID(ev.Device.Description)
		_, err := e.AddPrinter(id, []string{ev.Device.URI})
		if err != nil {
			e.log.Warn("failed to create printer for USB device", "sysfs_path", ev.SysfsPath, "error", err)
			return
		}
		e.mu.Lock()
		e.deviceToPrinter[ev.SysfsPath] = id
		e.mu.Unlock()

	case device.Removed:
		e.mu.Lock()
		id, ok := e.deviceToPrinter[ev.SysfsPath]
		delete(e.deviceToPrinter, ev.SysfsPath)
		p := e.printers[id]
		e.mu.Unlock()
		if ok && p != nil {
			p.SetDetached(true)
		}
	}
}
