// Package bids maps subjects and sessions onto the study's BIDS tree.
//
// Raw inputs live under rawdata/sub-<ID>/ses-<ID>/{anat,fmap}; anatprep writes
// a flat per-session directory under derivatives/anatprep with a handful of
// subdirectories (pymp2rage/, cat12/run-N/, iter-N/, xfm/, logs/). Every
// stage resolves paths through a Session so naming stays consistent.
package bids
