package core

import (
	"fmt"
	"path/filepath"
	"regexp"
)

// This file centralizes constants related to file formats, magic numbers,
// and on-disk names used by the archive.

// --- Magic Numbers ---
const (
	// ContainerMagicNumber identifies a fixed-width measurement container file.
	ContainerMagicNumber uint32 = 0x53504543 // "SPEC"
	// BitTableMagicNumber identifies the survey bit-table log.
	BitTableMagicNumber uint32 = 0x53424954 // "SBIT"
	// ManifestMagicNumber identifies the archive manifest.
	ManifestMagicNumber uint32 = 0x4d414e49 // "MANI"
)

// --- Magic Strings ---
const (
	// ContainerMagicString is placed at the end of every finished container.
	ContainerMagicString    = "SKYARCHIVE-SPEC-V1"
	ContainerMagicStringLen = len(ContainerMagicString)
)

// --- File Names ---
const (
	ManifestFileName   = "MANIFEST"
	LockFileName       = "BUILD"
	BitTableFileName   = "SURVEY_BITS"
	CatalogFileName    = "catalog.parquet"
	SurveysDirName     = "surveys"
	ContainerFileName  = "spec.dat"
	MetaFileName       = "meta.parquet"
	MembersFileName    = "members.roar"
	PendingGroupSuffix = ".pending"
	TempFileSuffix     = ".tmp"
)

// FormatVersion is the current version for all persistent file formats.
const FormatVersion uint8 = 1

// RefsAttribute is the meta-table attribute holding the JSON reference list.
const RefsAttribute = "Refs"

var surveyNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.+\-]*$`)

// ValidateSurveyName checks that a survey name can be used as a group name.
func ValidateSurveyName(name string) error {
	if !surveyNamePattern.MatchString(name) {
		return fmt.Errorf("invalid survey name %q: must match %s", name, surveyNamePattern.String())
	}
	return nil
}

// SurveyDir returns the committed group directory of a survey.
func SurveyDir(root, survey string) string {
	return filepath.Join(root, SurveysDirName, survey)
}

// PendingSurveyDir returns the staging directory used while a survey is ingested.
func PendingSurveyDir(root, survey string) string {
	return filepath.Join(root, SurveysDirName, survey+PendingGroupSuffix)
}

func FormatTempFilename(path string) string {
	return path + TempFileSuffix
}
