package adapter

import (
	"fmt"
	"strconv"
)

// BandwidthLimits is the configured ceiling applied to every rate change
type BandwidthLimits struct {
	MaxUploadKbps   int `json:"max_upload_kbps" yaml:"max_upload_kbps"`
	MaxDownloadKbps int `json:"max_download_kbps" yaml:"max_download_kbps"`
}

// DefaultBandwidthLimits caps guests at 100 Mbit/s each way
func DefaultBandwidthLimits() BandwidthLimits {
	return BandwidthLimits{MaxUploadKbps: 100_000, MaxDownloadKbps: 100_000}
}

// Clamp reduces values above the ceiling. Callers reject negatives first.
func (l BandwidthLimits) Clamp(uploadKbps, downloadKbps int) (int, int) {
	if l.MaxUploadKbps > 0 && uploadKbps > l.MaxUploadKbps {
		uploadKbps = l.MaxUploadKbps
	}
	if l.MaxDownloadKbps > 0 && downloadKbps > l.MaxDownloadKbps {
		downloadKbps = l.MaxDownloadKbps
	}
	return uploadKbps, downloadKbps
}

func validateBandwidth(uploadKbps, downloadKbps int) error {
	if uploadKbps < 0 || downloadKbps < 0 {
		return fmt.Errorf("bandwidth must not be negative (upload=%d download=%d)", uploadKbps, downloadKbps)
	}
	return nil
}

// rateString renders kbps the way RouterOS and most agents accept it, 0 is unlimited
func rateString(kbps int) string {
	if kbps == 0 {
		return "0"
	}
	return strconv.Itoa(kbps) + "k"
}
