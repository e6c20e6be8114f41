// Package resolver orchestrates a model resolution run: work out where a
// missing model lives, download it, and place it under the right model
// directory, reporting progress and honoring cancellation throughout.
package resolver

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"

	"model-resolver/internal/database"
	"model-resolver/internal/helpers"
	"model-resolver/internal/models"
	"model-resolver/internal/paths"
	"model-resolver/internal/progress"
	"model-resolver/internal/registry"
	"model-resolver/internal/sources/civitai"
	"model-resolver/internal/sources/directurl"
	"model-resolver/internal/sources/gdrive"
	"model-resolver/internal/sources/huggingface"
)

// Source locates and retrieves candidates. All registry-backed clients
// satisfy it.
type Source interface {
	Search(ctx context.Context, modelName string) (*models.Candidate, error)
	Fetch(ctx context.Context, cand *models.Candidate, destPath string, report *progress.Reporter) error
}

// Fetcher retrieves an already-identified candidate. The URL-shaped
// sources only fetch, they never search.
type Fetcher interface {
	Fetch(ctx context.Context, cand *models.Candidate, destPath string, report *progress.Reporter) error
}

// CivitaiSource additionally resolves explicit model/version references.
type CivitaiSource interface {
	Source
	Resolve(ctx context.Context, ref civitai.Ref) (*models.Candidate, error)
}

// HubSource additionally downloads whole-repo snapshots.
type HubSource interface {
	Source
	FetchSnapshot(ctx context.Context, repoID, destDir string, overwrite bool, report *progress.Reporter) error
}

// Request is one resolution job.
type Request struct {
	ModelName string
	NodeType  string
	SessionID string
	Overwrite bool
}

// Result is the terminal outcome of a resolution job.
type Result struct {
	Success bool
	Source  models.Source
	Path    string
	Err     error
}

// Resolution states for a plain model name without an explicit reference.
type state int

const (
	stateInit state = iota
	stateCheckGlobalCache
	stateSearchHuggingFace
	stateSearchCivitai
	stateDone
)

// Progress bands per stage. Completion always lands on 100.
const (
	globalBandLo, globalBandHi = 5, 35
	hubBandLo, hubBandHi       = 40, 70
	civitBandLo, civitBandHi   = 70, 95
	directBandLo, directBandHi = 5, 95
)

// Resolver wires the source clients, progress plumbing and bookkeeping
// stores together. db and reg are optional; a nil value skips journaling or
// provenance recording.
type Resolver struct {
	basePath  string
	overwrite bool

	store   *progress.Store
	cancels *progress.CancelStore
	db      *database.DB
	reg     *registry.Registry

	global Source
	hub    HubSource
	civit  CivitaiSource
	direct Fetcher
	drive  Fetcher
}

// Options carries the resolver's collaborators.
type Options struct {
	BasePath  string
	Overwrite bool
	Store     *progress.Store
	Cancels   *progress.CancelStore
	DB        *database.DB
	Registry  *registry.Registry

	GlobalCache Source
	HuggingFace HubSource
	Civitai     CivitaiSource
	DirectURL   Fetcher
	GoogleDrive Fetcher
}

func New(opts Options) *Resolver {
	return &Resolver{
		basePath:  opts.BasePath,
		overwrite: opts.Overwrite,
		store:     opts.Store,
		cancels:   opts.Cancels,
		db:        opts.DB,
		reg:       opts.Registry,
		global:    opts.GlobalCache,
		hub:       opts.HuggingFace,
		civit:     opts.Civitai,
		direct:    opts.DirectURL,
		drive:     opts.GoogleDrive,
	}
}

// sourceFailure is one source's outcome for the aggregated failure message.
type sourceFailure struct {
	label   string
	message string
	kind    models.ErrorKind
}

// Resolve runs one resolution job to a terminal state. Exactly one terminal
// progress write happens per call, and the session's cancellation flag is
// cleared on every exit path.
func (r *Resolver) Resolve(ctx context.Context, req Request) Result {
	report := progress.NewReporter(r.store, r.cancels, req.SessionID)
	report.Stage(models.StatusQueued, fmt.Sprintf("Resolving %s", req.ModelName), 0)

	log.WithFields(log.Fields{"model": req.ModelName, "node": req.NodeType, "session": req.SessionID}).
		Info("Starting resolution")

	dir := paths.InferDirectory(req.ModelName, req.NodeType)
	filename := paths.SanitizeFilename(requestedFilename(req.ModelName))
	destPath, err := paths.ResolveWithinBase(r.basePath, dir, filename)
	if err != nil {
		return r.finish(report, req, Result{Err: err}, models.StatusError,
			fmt.Sprintf("Invalid model path: %v", err))
	}

	if !r.overwrite && !req.Overwrite {
		if fi, statErr := os.Stat(destPath); statErr == nil && fi.Size() > 0 {
			log.Infof("Model already present at %s", destPath)
			res := Result{Success: true, Path: destPath}
			return r.finish(report, req, res, models.StatusCompleted,
				fmt.Sprintf("%s already exists", filename))
		}
	}

	if res, handled := r.resolveReference(ctx, req, destPath, dir, report); handled {
		return res
	}
	return r.resolveByName(ctx, req, destPath, dir, filename, report)
}

// requestedFilename extracts the filename a reference-shaped model name
// implies; plain names pass through.
func requestedFilename(modelName string) string {
	if repoID, filePath, ok := huggingface.ParseReference(modelName); ok {
		if filePath != "" {
			return path.Base(filePath)
		}
		return path.Base(repoID)
	}
	if cand, ok := gdrive.ParseReference(modelName); ok {
		// Drive links carry no usable filename; name the artifact after the
		// file id and let archive normalization sort out the contents.
		return cand.DriveFileID
	}
	if cand, ok := directurl.ParseReference(modelName); ok && cand.Filename != "" {
		return cand.Filename
	}
	return path.Base(modelName)
}

// resolveReference handles model names that are explicit references to one
// source. Returns handled=false for plain names, which go through the
// fallback chain instead.
func (r *Resolver) resolveReference(ctx context.Context, req Request, destPath, dir string, report *progress.Reporter) (Result, bool) {
	band := report.Band(directBandLo, directBandHi)

	if cand, ok := gdrive.ParseReference(req.ModelName); ok {
		report.Progress("Downloading from Google Drive", directBandLo)
		return r.fetchInto(ctx, req, r.drive, cand, destPath, dir, band, report), true
	}

	if ref, ok := civitai.ParseRef(req.ModelName); ok {
		report.Progress("Resolving CivitAI reference", directBandLo)
		cand, err := r.civit.Resolve(ctx, ref)
		if err != nil {
			return r.failureResult(report, req, err, "CivitAI"), true
		}
		return r.fetchInto(ctx, req, r.civit, cand, r.repathFor(cand, destPath, dir), dir, band, report), true
	}

	if repoID, filePath, ok := huggingface.ParseReference(req.ModelName); ok {
		if filePath == "" {
			return r.fetchSnapshot(ctx, req, repoID, dir, band, report), true
		}
		report.Progress("Downloading from Hugging Face", directBandLo)
		cand := &models.Candidate{
			Source:    models.SourceHuggingFace,
			RepoID:    repoID,
			FilePath:  filePath,
			Filename:  path.Base(filePath),
			SizeBytes: models.SizeUnknown,
		}
		return r.fetchInto(ctx, req, r.hub, cand, destPath, dir, band, report), true
	}

	if cand, ok := directurl.ParseReference(req.ModelName); ok {
		report.Progress("Downloading from URL", directBandLo)
		return r.fetchInto(ctx, req, r.direct, cand, destPath, dir, band, report), true
	}

	return Result{}, false
}

// repathFor recomputes the destination when the resolved candidate carries
// a better filename than the raw request did (CivitAI references never name
// the file themselves).
func (r *Resolver) repathFor(cand *models.Candidate, destPath, dir string) string {
	if cand.Filename == "" {
		return destPath
	}
	resolved, err := paths.ResolveWithinBase(r.basePath, dir, paths.SanitizeFilename(cand.Filename))
	if err != nil {
		return destPath
	}
	return resolved
}

// fetchSnapshot downloads a whole Hub repo into a directory named after it.
func (r *Resolver) fetchSnapshot(ctx context.Context, req Request, repoID, dir string, band, report *progress.Reporter) Result {
	repoDir := helpers.ConvertToSlug(strings.ReplaceAll(repoID, "/", "_"))
	destDir, err := paths.ResolveWithinBase(r.basePath, dir, repoDir)
	if err != nil {
		return r.finish(report, req, Result{Err: err}, models.StatusError,
			fmt.Sprintf("Invalid snapshot path: %v", err))
	}

	report.Progress(fmt.Sprintf("Downloading repository %s", repoID), directBandLo)
	if err := r.hub.FetchSnapshot(ctx, repoID, destDir, r.overwrite || req.Overwrite, band); err != nil {
		return r.failureResult(report, req, err, "Hugging Face")
	}

	res := Result{Success: true, Source: models.SourceHuggingFace, Path: destDir}
	r.record(&models.Candidate{Source: models.SourceHuggingFace, RepoID: repoID, Filename: repoDir}, destDir, dir)
	return r.finish(report, req, res, models.StatusCompleted,
		fmt.Sprintf("Downloaded repository %s", repoID))
}

// fetchInto downloads one candidate and finishes the session.
func (r *Resolver) fetchInto(ctx context.Context, req Request, f Fetcher, cand *models.Candidate, destPath, dir string, band, report *progress.Reporter) Result {
	if err := f.Fetch(ctx, cand, destPath, band); err != nil {
		return r.failureResult(report, req, err, sourceLabel(cand.Source))
	}

	res := Result{Success: true, Source: cand.Source, Path: destPath}
	r.record(cand, destPath, dir)
	return r.finish(report, req, res, models.StatusCompleted,
		fmt.Sprintf("Downloaded %s", cand.Filename))
}

// resolveByName walks the fallback chain for a plain model name. A
// cancellation observed in any stage stops the walk immediately.
func (r *Resolver) resolveByName(ctx context.Context, req Request, destPath, dir, filename string, report *progress.Reporter) Result {
	var failures []sourceFailure

	st := stateInit
	for st != stateDone {
		if !report.Continue() {
			return r.cancelledResult(report, req)
		}

		switch st {
		case stateInit:
			st = stateCheckGlobalCache

		case stateCheckGlobalCache:
			band := report.Band(globalBandLo, globalBandHi)
			report.Progress("Checking global storage", globalBandLo)
			res, failure, done := r.trySource(ctx, req, r.global, "Global storage", destPath, dir, band, report)
			if done {
				return res
			}
			failures = append(failures, failure)
			st = stateSearchHuggingFace

		case stateSearchHuggingFace:
			band := report.Band(hubBandLo, hubBandHi)
			report.Progress("Searching Hugging Face", hubBandLo)
			res, failure, done := r.trySource(ctx, req, r.hub, "Hugging Face", destPath, dir, band, report)
			if done {
				return res
			}
			failures = append(failures, failure)
			st = stateSearchCivitai

		case stateSearchCivitai:
			band := report.Band(civitBandLo, civitBandHi)
			report.Progress("Searching CivitAI", civitBandLo)
			res, failure, done := r.trySource(ctx, req, r.civit, "CivitAI", destPath, dir, band, report)
			if done {
				return res
			}
			failures = append(failures, failure)
			st = stateDone
		}
	}

	return r.exhaustedResult(report, req, filename, failures)
}

// trySource runs one stage: search, then fetch on a hit. done means the run
// reached a terminal state (success or cancellation) and res is final.
func (r *Resolver) trySource(ctx context.Context, req Request, src Source, label, destPath, dir string, band, report *progress.Reporter) (Result, sourceFailure, bool) {
	cand, err := src.Search(ctx, req.ModelName)
	if err != nil {
		if models.IsCancelled(err) || !report.Continue() {
			return r.cancelledResult(report, req), sourceFailure{}, true
		}
		log.WithError(err).Warnf("%s search failed", label)
		return Result{}, sourceFailure{label: label, message: err.Error(), kind: models.KindOf(err)}, false
	}
	if cand == nil {
		return Result{}, sourceFailure{label: label, message: "no match found", kind: models.KindNotFound}, false
	}

	report.Progress(fmt.Sprintf("Found %s via %s", cand.Filename, label), 0)
	if err := src.Fetch(ctx, cand, r.repathFor(cand, destPath, dir), band); err != nil {
		if models.IsCancelled(err) || !report.Continue() {
			return r.cancelledResult(report, req), sourceFailure{}, true
		}
		log.WithError(err).Warnf("%s download failed", label)
		return Result{}, sourceFailure{label: label, message: err.Error(), kind: models.KindOf(err)}, false
	}

	finalPath := r.repathFor(cand, destPath, dir)
	res := Result{Success: true, Source: cand.Source, Path: finalPath}
	r.record(cand, finalPath, dir)
	return r.finish(report, req, res, models.StatusCompleted,
		fmt.Sprintf("Downloaded %s", cand.Filename)), sourceFailure{}, true
}

// exhaustedResult aggregates the per-source outcomes into one message.
func (r *Resolver) exhaustedResult(report *progress.Reporter, req Request, filename string, failures []sourceFailure) Result {
	parts := make([]string, 0, len(failures))
	status := models.StatusNotFound
	for _, f := range failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.label, f.message))
		switch f.kind {
		case models.KindAccessRestricted:
			status = models.StatusAccessRestricted
		case models.KindNotFound:
		default:
			if status == models.StatusNotFound {
				status = models.StatusError
			}
		}
	}
	message := fmt.Sprintf("Could not resolve %s. %s", filename, strings.Join(parts, "; "))
	res := Result{Err: fmt.Errorf("%s", message)}
	return r.finish(report, req, res, status, message)
}

func (r *Resolver) cancelledResult(report *progress.Reporter, req Request) Result {
	res := Result{Err: models.NewSourceError(models.KindCancelled, "resolver", "resolution cancelled", nil)}
	return r.finish(report, req, res, models.StatusCancelled, "Download cancelled")
}

func (r *Resolver) failureResult(report *progress.Reporter, req Request, err error, label string) Result {
	if models.IsCancelled(err) {
		return r.cancelledResult(report, req)
	}
	status := models.StatusError
	switch models.KindOf(err) {
	case models.KindAccessRestricted:
		status = models.StatusAccessRestricted
	case models.KindNotFound:
		status = models.StatusNotFound
	}
	return r.finish(report, req, Result{Err: err}, status, fmt.Sprintf("%s: %v", label, err))
}

// finish performs the single terminal progress write, clears the session's
// cancellation flag and journals the outcome.
func (r *Resolver) finish(report *progress.Reporter, req Request, res Result, status models.SessionStatus, message string) Result {
	pct := 0
	if res.Success {
		pct = 100
	}
	report.Stage(status, message, pct)
	r.cancels.Clear(req.SessionID)

	if r.db != nil {
		entry := models.SessionJournalEntry{
			SessionID: req.SessionID,
			ModelName: req.ModelName,
			Status:    status,
			Source:    res.Source,
			Path:      res.Path,
		}
		if res.Err != nil {
			entry.Error = res.Err.Error()
		}
		if err := r.db.RecordSession(entry); err != nil {
			log.WithError(err).Warn("Failed to journal session outcome")
		}
	}

	log.WithFields(log.Fields{"session": req.SessionID, "status": status, "path": res.Path}).
		Info("Resolution finished")
	return res
}

func (r *Resolver) record(cand *models.Candidate, finalPath, dir string) {
	if r.reg == nil {
		return
	}
	if err := r.reg.RecordCandidate(cand, finalPath, dir); err != nil {
		log.WithError(err).Warn("Failed to record provenance")
	}
}

func sourceLabel(src models.Source) string {
	switch src {
	case models.SourceGlobalCache:
		return "Global storage"
	case models.SourceHuggingFace:
		return "Hugging Face"
	case models.SourceCivitAI:
		return "CivitAI"
	case models.SourceGoogleDrive:
		return "Google Drive"
	default:
		return "URL"
	}
}
