package sinus

import (
	"fmt"
	"path/filepath"
	"strings"

	"anatprep/internal/bids"
	"anatprep/internal/config"
	"anatprep/internal/denoise"
	"anatprep/internal/mask"
	"anatprep/internal/pymp2rage"
)

// Desc labels.
const (
	DescAuto  = "sinusauto"
	DescFinal = "sinusfinal"
)

// AutoOutputs returns the undilated and dilated automatic masks of run.
func AutoOutputs(ses bids.Session, run int) (mask, dilated string) {
	mask = ses.DerivPath(DescAuto, "mask", run, "")
	dilated = strings.TrimSuffix(mask, "_mask"+bids.NIfTIExt) + "_mask_dilated" + bids.NIfTIExt
	return mask, dilated
}

// FinalMask returns the manually edited mask of run.
func FinalMask(ses bids.Session, run int) string {
	return ses.DerivPath(DescFinal, "mask", run, "")
}

// RegisteredFLAIR returns the FLAIR resampled into the T1w space of run and
// the FLIRT matrix that produced it.
func RegisteredFLAIR(ses bids.Session, flair string, run int) (image, matrix string) {
	base := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(flair), ".gz"), ".nii")
	name := strings.Replace(base, "_FLAIR", fmt.Sprintf("_run-%d_space-t1w_FLAIR", run), 1)
	if name == base {
		name = fmt.Sprintf("%s_run-%d_space-t1w", base, run)
	}
	return filepath.Join(ses.DerivDir(), name+bids.NIfTIExt), filepath.Join(ses.XfmDir(), name+".mat")
}

// ReferenceT1w returns the T1w sinus masks are drawn on, preferring
// B1-corrected and denoised images.
func ReferenceT1w(ses bids.Session, run int) []string {
	fitted := pymp2rage.RunOutputs(ses, run)
	return []string{
		denoise.OutputPath(ses, run, true),
		fitted.T1wB1Corr,
		denoise.OutputPath(ses, run, false),
		fitted.T1w,
	}
}

// EditBackground lists the images sinus-edit displays under the mask.
func EditBackground(ses bids.Session, run int) []string {
	return []string{denoise.OutputPath(ses, run, false), pymp2rage.RunOutputs(ses, run).T1w}
}

// BrainMasks lists the brain masks in preference order.
func BrainMasks(ses bids.Session, run int) []string {
	return []string{
		mask.OutputPath(ses, config.MaskMethodBET, run),
		mask.OutputPath(ses, config.MaskMethodSPM, run),
	}
}
