package dispatch

// Command types understood by agents. Custom is accepted for any agent
// regardless of its declared capabilities.
const (
	TypeSystemInfo     = "system_info"
	TypeProcessList    = "process_list"
	TypeExecuteCommand = "execute_command"
	TypeFileTransfer   = "file_transfer"
	TypeDownloadFile   = "download_file"
	TypeUploadFile     = "upload_file"
	TypeCustom         = "custom"
)

var knownTypes = map[string]bool{
	TypeSystemInfo:     true,
	TypeProcessList:    true,
	TypeExecuteCommand: true,
	TypeFileTransfer:   true,
	TypeDownloadFile:   true,
	TypeUploadFile:     true,
	TypeCustom:         true,
}

// KnownType reports whether t is a recognized command type.
func KnownType(t string) bool {
	return knownTypes[t]
}
