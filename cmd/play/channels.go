package play

// stereo is the channel count of every output stream.
const stereo = 2

// toStereo appends src to dst as interleaved stereo. Mono samples are
// duplicated into both channels; stereo input is copied as is.
func toStereo(dst, src []byte, channels, sampleSize int) []byte {
	if channels == stereo {
		return append(dst, src...)
	}
	for i := 0; i+sampleSize <= len(src); i += sampleSize {
		sample := src[i : i+sampleSize]
		dst = append(dst, sample...)
		dst = append(dst, sample...)
	}
	return dst
}
