package update

import (
	"context"
	"io"
	"sort"

	log "github.com/sirupsen/logrus"

	"drift/metadata"
	"drift/planner"
	"drift/progress"
	"drift/workspace"
)

// rangeMergeDistance: wanted slices closer than this collapse into a single
// ranged request, trading a few discarded bytes for fewer round-trips.
const rangeMergeDistance = 500 * 1024

// repair diagnoses every recorded failure and fetches the minimal bytes that
// fix it: for each path, the cheapest package containing an add with the
// wanted final hash, addressed by HTTP range. A path that no package can
// supply, or that fails repair twice, is unrecoverable.
func (u *Updater) repair(ctx context.Context) error {
	u.tracker.SetStage(progress.StageRepairing)

	packages, err := u.repo.Packages(ctx)
	if err != nil {
		return err
	}
	metas := make([]*metadata.PackageMetadata, 0, len(packages.Packages))
	for i := range packages.Packages {
		m, err := u.repo.PackageMetadata(ctx, &packages.Packages[i])
		if err != nil {
			return err
		}
		metas = append(metas, m)
	}

	attempts := map[string]int{}
	var unrecoverable []string

	for {
		u.mu.Lock()
		failures := u.st.Update.Failures
		u.st.Update.PreviousFailures = failures
		u.st.Update.Failures = nil
		u.mu.Unlock()
		if len(failures) == 0 {
			break
		}

		// Choose a source package per failed path, then group by package so
		// each package is opened once.
		grouped := map[*metadata.PackageMetadata][]*metadata.Add{}
		advanced := false
		seen := map[string]bool{}
		for _, f := range failures {
			// A path can be recorded by several packages of the chain; one
			// repair covers all of them.
			if seen[f.Path] {
				continue
			}
			seen[f.Path] = true
			if attempts[f.Path] >= 2 {
				unrecoverable = append(unrecoverable, f.Path)
				continue
			}
			sources := planner.FindRepairSources(f.Path, f.Sha1, metas)
			if len(sources) == 0 {
				log.Errorf("no package in the repository can repair %s", f.Path)
				unrecoverable = append(unrecoverable, f.Path)
				continue
			}
			attempts[f.Path]++
			src := sources[0]
			grouped[src] = append(grouped[src], findAdd(src, f.Path, f.Sha1))
			advanced = true
		}
		if !advanced {
			break
		}

		for meta, ops := range grouped {
			if err := u.repairFromPackage(ctx, meta, ops); err != nil {
				return err
			}
		}
	}

	u.mu.Lock()
	u.st.Update.PreviousFailures = nil
	u.mu.Unlock()
	if err := u.saveState(); err != nil {
		return err
	}

	if len(unrecoverable) > 0 {
		sort.Strings(unrecoverable)
		return &UnrecoverableError{Paths: unrecoverable}
	}
	return nil
}

func findAdd(meta *metadata.PackageMetadata, path, sha1 string) *metadata.Add {
	for _, op := range meta.Operations {
		if add, ok := op.(*metadata.Add); ok && add.Path == path && add.FinalSha1 == sha1 {
			return add
		}
	}
	return nil
}

type byteRange struct {
	start, end uint64
}

// mergeRanges merges the slices of offset-sorted ops when the gap between
// them is below the merge distance.
func mergeRanges(ops []*metadata.Add) []byteRange {
	var ranges []byteRange
	for _, op := range ops {
		start := uint64(op.DataOffset)
		end := start + uint64(op.DataSize)
		if n := len(ranges); n > 0 && start < ranges[n-1].end+rangeMergeDistance {
			if end > ranges[n-1].end {
				ranges[n-1].end = end
			}
			continue
		}
		ranges = append(ranges, byteRange{start: start, end: end})
	}
	return ranges
}

// repairFromPackage fetches the wanted slices of one package and replays
// their add operations through the normal commit protocol.
func (u *Updater) repairFromPackage(ctx context.Context, meta *metadata.PackageMetadata, ops []*metadata.Add) error {
	sort.Slice(ops, func(i, j int) bool { return ops[i].DataOffset < ops[j].DataOffset })

	dataName := meta.Package.DataName()
	log.Infof("repairing %d files from %s", len(ops), dataName)
	opIdx := 0
	for _, r := range mergeRanges(ops) {
		stream, err := u.repo.OpenPackage(ctx, dataName, r.start, r.end-r.start)
		if err != nil {
			return err
		}
		reader := &offsetReader{r: countingReader{r: stream, tracker: u.tracker}, pos: r.start}
		ap := &applier{
			ws:      u.ws,
			tracker: u.tracker,
			stream:  reader,
			record: func(f workspace.Failure) {
				u.mu.Lock()
				u.st.Update.Failures = append(u.st.Update.Failures, f)
				u.mu.Unlock()
			},
			commit: func(int) error { return u.saveState() },
		}
		for ; opIdx < len(ops); opIdx++ {
			end := uint64(ops[opIdx].DataOffset) + uint64(ops[opIdx].DataSize)
			if end > r.end {
				break
			}
			if err := ap.applyOne(ctx, ops[opIdx]); err != nil {
				stream.Close()
				return err
			}
		}
		stream.Close()
	}
	return u.saveState()
}

// countingReader feeds downloaded byte counts from repair streams into the
// tracker; repairs bypass the downloader task.
type countingReader struct {
	r       io.Reader
	tracker *progress.Tracker
}

func (c countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.tracker.DownloadedBytes(uint64(n))
	}
	return n, err
}
