package ntfs

import "unicode/utf16"

// utf16Decode/utf16Encode transcode NTFS's UTF-16LE attribute names
// (e.g. $FILE_NAME's filename field) using the standard library's
// surrogate-aware codec.
func utf16Decode(units []uint16) []rune { return utf16.Decode(units) }
func utf16Encode(s string) []uint16    { return utf16.Encode([]rune(s)) }
