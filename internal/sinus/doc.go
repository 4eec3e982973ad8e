// Package sinus builds the sagittal sinus exclusion mask. The automatic
// stage derives it from a FLAIR registered to the T1w: FLAIR carries no
// sinus signal, so BET on the brain-masked FLAIR yields a mask that leaves
// the sinus out. The edit stage opens the result in ITK-SNAP for manual
// correction.
package sinus
