package history

import (
	"os"
	"path/filepath"
)

// ContractSummary is a row of the portal's search listing.
type ContractSummary struct {
	ContractID   string `json:"contractId"`
	ContractName string `json:"contractName"`
	// LinkArg is the href of the anchor that opens the contract.
	LinkArg     string `json:"linkArg"`
	ReleaseDate string `json:"releaseDate"`
	// IsNew is set when the row carries the portal's NEW marker.
	IsNew bool `json:"isNew"`
}

// Lookup is the part of a Store FilterNew needs.
type Lookup interface {
	Has(contractID string) bool
}

// FilterNew drops candidates already in history and, with onlyNew,
// candidates the portal does not mark as new. Order is preserved.
func FilterNew(candidates []ContractSummary, history Lookup, onlyNew bool) []ContractSummary {
	out := []ContractSummary{}
	for _, c := range candidates {
		if history.Has(c.ContractID) {
			continue
		}
		if onlyNew && !c.IsNew {
			continue
		}
		out = append(out, c)
	}
	return out
}

// FailedDownload is a file recorded as downloaded that is not on disk.
type FailedDownload struct {
	ContractID   string
	ContractName string
	FileName     string
}

// FileExists reports whether path exists.
type FileExists func(path string) bool

// OSFileExists stats path on the local filesystem.
func OSFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FolderName is the directory a contract's documents are saved in.
func FolderName(contractID, contractName string) string {
	return contractID + "_" + contractName
}

// ContractDir returns <dataRoot>/<contractId>_<contractName>.
func ContractDir(dataRoot, contractID, contractName string) string {
	return filepath.Join(dataRoot, FolderName(contractID, contractName))
}

// Verify checks every downloaded file of every record against exists and
// returns one FailedDownload per missing file. An empty result means
// everything is in place.
func Verify(records []ContractRecord, dataRoot string, exists FileExists) []FailedDownload {
	if exists == nil {
		exists = OSFileExists
	}
	failed := []FailedDownload{}
	for _, r := range records {
		dir := ContractDir(dataRoot, r.ContractID, r.ContractName)
		for _, name := range r.Downloaded {
			if exists(filepath.Join(dir, name)) {
				continue
			}
			failed = append(failed, FailedDownload{
				ContractID:   r.ContractID,
				ContractName: r.ContractName,
				FileName:     name,
			})
		}
	}
	return failed
}
