package schema

import "strings"

// ContentType is the category tag stored in the middle bits of a block flag.
// The category is derived from the file name suffix when a file is created.
type ContentType uint8

const (
	NormalFile ContentType = iota
	InstallDescriptor
	Archive
	Settings
	Properties
	InstallInfo
	DeleteNotifyList
	SuiteList
	RecordStoreData
	RecordStoreIndex
	InstallTemp
)

// DefaultBlockSize is the capacity of the first block of files
// without a category specific pre-allocation.
const DefaultBlockSize = 256

// MaxInstallTempSize is the reserved scratch size of install-temp files.
// Requests of this category are only served by free blocks of exactly this capacity.
const MaxInstallTempSize = 4096

var contentTypeSuffixes = [...]struct {
	suffix string
	typ    ContentType
}{
	{".jad", InstallDescriptor},
	{".jar", Archive},
	{".ss", Settings},
	{".prp", Properties},
	{".ii", InstallInfo},
	{".dn", DeleteNotifyList},
	{".lst", SuiteList},
	{".db", RecordStoreData},
	{".idx", RecordStoreIndex},
	{".tmp", InstallTemp},
}

// ContentTypeFor classifies a file name by its suffix.
func ContentTypeFor(name string) ContentType {
	for _, it := range contentTypeSuffixes {
		if strings.HasSuffix(name, it.suffix) {
			return it.typ
		}
	}
	return NormalFile
}

func (f ContentType) String() string {
	switch f {
	case NormalFile:
		return "Normal"
	case InstallDescriptor:
		return "InstallDescriptor"
	case Archive:
		return "Archive"
	case Settings:
		return "Settings"
	case Properties:
		return "Properties"
	case InstallInfo:
		return "InstallInfo"
	case DeleteNotifyList:
		return "DeleteNotifyList"
	case SuiteList:
		return "SuiteList"
	case RecordStoreData:
		return "RecordStoreData"
	case RecordStoreIndex:
		return "RecordStoreIndex"
	case InstallTemp:
		return "InstallTemp"
	default:
		return ""
	}
}

// PreallocSize is the capacity of the first block reserved when a file
// of this category is created, 0 means nothing is reserved up front.
func (f ContentType) PreallocSize() uint32 {
	switch f {
	case InstallDescriptor, SuiteList:
		return 1024
	case Properties, InstallInfo:
		return 512
	case Settings:
		return 256
	case DeleteNotifyList:
		return 128
	case InstallTemp:
		return MaxInstallTempSize
	default:
		return 0
	}
}

// TrimOnClose reports whether slack in the pre-allocated first block is
// given back when the file is closed. Install-temp scratch keeps its
// reserved size so it can be reused by the next temp file.
func (f ContentType) TrimOnClose() bool {
	return f.PreallocSize() > 0 && f != InstallTemp
}
