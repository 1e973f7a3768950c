// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package depoconfig holds the configuration model for a deposition job and
// the deterministic fingerprint (JobName) derivation the registry uses as
// its sole identity.
package depoconfig

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultDepositionVelocity is used when a request's mixture is empty, so
// that every empty-mixture request canonicalises to the same job name.
const DefaultDepositionVelocity = 0.35

// DepositionSteps is the number of trajectory segments produced by a single
// deposition run. It is currently a fixed constant shared by every job.
const DepositionSteps = 36

// InsertDistance and RunTimeMinimum feed the run-time derivation below.
const (
	InsertDistance = 2.0
	RunTimeMinimum = 18.0
	psPerFrame     = 100 * 0.0025
)

// MixtureComponent is one molecule species and its relative insertion ratio,
// as supplied by a client before canonicalisation.
type MixtureComponent struct {
	// ResName names the molecule species (matches a resource bundle
	// under the server's resources directory).
	ResName string `json:"res_name"`

	// Ratio is the relative number of insertions of this species per
	// deposition cycle, prior to GCD normalisation.
	Ratio uint64 `json:"ratio"`

	// PDBFile and ITPFile are resolved against the server's resources
	// directory once the mixture is canonicalised; empty on input.
	PDBFile string `json:"pdb_file,omitempty"`
	ITPFile string `json:"itp_file,omitempty"`
}

// RequestConfig is the minimal configuration a client supplies; it is
// expanded into a full Deposition by Canonicalize.
type RequestConfig struct {
	DepositionVelocity float64            `json:"deposition_velocity"`
	Mixture            []MixtureComponent `json:"mixture"`
}

// Deposition is the full, canonicalised configuration for a job: the
// fingerprint plus everything a worker needs to run it.
type Deposition struct {
	// Name is the JobName: the deterministic fingerprint derived from
	// the canonicalised mixture and scalar settings.
	Name string `json:"name"`

	// WorkDirectory is the job's working directory. It is carried in the
	// JSON config as given; nothing in this module fills it in.
	WorkDirectory string `json:"work_directory"`

	// NCycles is the number of trajectory segments this job will
	// produce; fixed per spec to DepositionSteps.
	NCycles int `json:"n_cycles"`

	// RunTime is the wall-clock duration of each deposition step,
	// rounded to a whole number of trajectory frames.
	RunTime float64 `json:"run_time"`

	DepositionVelocity float64            `json:"deposition_velocity"`
	Mixture            []MixtureComponent `json:"mixture"`
}

// ArchiveName is the on-disk file name the Archive Store uses for this job.
func (d *Deposition) ArchiveName() string {
	return fmt.Sprintf("%s.archive", d.Name)
}

// Canonicalize expands a client-supplied RequestConfig into a full
// Deposition, normalising the mixture ratios by their GCD, sorting
// components by species name, and deriving the deterministic JobName
// fingerprint from the result.
//
// Two requests that differ only in mixture ordering or in a common ratio
// factor canonicalise to the same Deposition.Name, and are therefore
// treated as the same job by the registry.
func Canonicalize(req RequestConfig) Deposition {
	mixture := make([]MixtureComponent, 0, len(req.Mixture))
	for _, c := range req.Mixture {
		if c.Ratio > 0 {
			mixture = append(mixture, c)
		}
	}

	velocity := req.DepositionVelocity
	if len(mixture) == 0 {
		// Avoid minting distinct job names for every empty-mixture
		// request: canonicalise velocity too.
		velocity = DefaultDepositionVelocity
	}

	sort.Slice(mixture, func(i, j int) bool {
		return mixture[i].ResName < mixture[j].ResName
	})

	g := gcdAll(mixture)
	for i := range mixture {
		mixture[i].Ratio /= g
	}

	runTime := (InsertDistance / velocity) + RunTimeMinimum
	runTime = roundUpToFrame(runTime)

	return Deposition{
		Name:               buildName(runTime, velocity, mixture),
		NCycles:            DepositionSteps,
		RunTime:            runTime,
		DepositionVelocity: velocity,
		Mixture:            mixture,
	}
}

// buildName is the textual fingerprint: "<run_time>_<velocity>" followed by
// "_<res_name>-<ratio in hex>" for each (already sorted, already
// normalised) mixture component.
func buildName(runTime, velocity float64, mixture []MixtureComponent) string {
	var b strings.Builder
	b.Grow(len(mixture)*15 + 10)
	fmt.Fprintf(&b, "%.1f_%.2f", runTime, velocity)
	for _, m := range mixture {
		fmt.Fprintf(&b, "_%s-%x", m.ResName, m.Ratio)
	}
	return b.String()
}

func roundUpToFrame(runTime float64) float64 {
	frames := runTime / psPerFrame
	whole := float64(int64(frames))
	if frames > whole {
		whole++
	}
	return whole * psPerFrame
}

// gcdAll returns the GCD of every component's ratio, matching the source's
// fold-with-max-as-seed so that a single-component mixture normalises its
// ratio to 1 rather than leaving it unchanged.
func gcdAll(mixture []MixtureComponent) uint64 {
	if len(mixture) == 0 {
		return 1
	}

	seed := uint64(0)
	for _, m := range mixture {
		if m.Ratio > seed {
			seed = m.Ratio
		}
	}

	g := seed
	for _, m := range mixture {
		g = gcd(g, m.Ratio)
	}
	if g == 0 {
		return 1
	}
	return g
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
