// Package initrd parses the portable ASCII CPIO archive (magic "070707")
// the boot loader hands off as the initial ramdisk, to pull the first
// process's ELF image out of it without ever copying the archive's bytes.
package initrd

const (
	magic = "070707"

	// headerLen is the size, in bytes, of a fixed-width CPIO header: every
	// field up to and including fileSizeOctal, before the variable-length
	// name that follows it.
	headerLen = 76
)

// header field byte offsets within a node, in declaration order. Every
// field is fixed-width ASCII octal (or, for magic, a literal 6-byte tag).
const (
	offMagic         = 0
	offDevice        = 6
	offINumber       = 12
	offMode          = 18
	offUserID        = 24
	offGroupID       = 30
	offNumLinks      = 36
	offRDevice       = 42
	offModifiedTime  = 48
	offNameLenOctal  = 59
	offFileSizeOctal = 65
)

func octalToBinary(digits []byte) int {
	n := 0
	for _, d := range digits {
		n = (n << 3) + int(d-'0')
	}
	return n
}

// FindFile scans archive for a node named name and returns a slice pointing
// directly into archive's backing array (no copy) along with true. If name
// is not present, or the archive is truncated or malformed, it returns
// (nil, false).
func FindFile(archive []byte, name string) ([]byte, bool) {
	pos := 0
	for pos+headerLen <= len(archive) {
		if string(archive[pos+offMagic:pos+offMagic+6]) != magic {
			break
		}

		nameLen := octalToBinary(archive[pos+offNameLenOctal : pos+offNameLenOctal+6])
		fileSize := octalToBinary(archive[pos+offFileSizeOctal : pos+offFileSizeOctal+11])

		nameStart := pos + headerLen
		if nameLen == 0 || nameStart+nameLen > len(archive) {
			break
		}
		// nameLen counts the trailing NUL; the comparable name excludes it.
		nodeName := string(archive[nameStart : nameStart+nameLen-1])

		dataStart := nameStart + nameLen
		if dataStart+fileSize > len(archive) {
			break
		}

		if nodeName == name {
			return archive[dataStart : dataStart+fileSize], true
		}

		pos = dataStart + fileSize
	}
	return nil, false
}
