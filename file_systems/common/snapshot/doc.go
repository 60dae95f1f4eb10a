// Package snapshot saves and restores whole images in a compact form.
//
// Freshly formatted images are almost entirely null bytes, so the raw image is
// run-length encoded first and the result gzipped. The run-length encoding is
// RLE8 as used by BMP files: a byte occurring N >= 2 times in a row is written
// twice, followed by one byte giving the number of additional repetitions
// (0-255). Longer runs are split. For example:
//
//	W X X X X X Y Z Z
//	W X X 3 Y Z Z 0
//
// Note that a pair of identical bytes costs three bytes in the output.
package snapshot
