package multi

import "strconv"

// Code is the result of a finished transfer. The values follow libcurl's CURLcode numbering.
type Code int

const (
	OK                  Code = 0
	UnsupportedProtocol Code = 1
	URLMalformat        Code = 3
	CouldntResolveHost  Code = 6
	CouldntConnect      Code = 7
	WeirdServerReply    Code = 8
	PartialFile         Code = 18
	WriteError          Code = 23
	OperationTimedout   Code = 28
	AbortedByCallback   Code = 42
	GotNothing          Code = 52
	SendError           Code = 55
	RecvError           Code = 56
)

var codeText = map[Code]string{
	OK:                  "No error",
	UnsupportedProtocol: "Unsupported protocol",
	URLMalformat:        "URL using bad/illegal format or missing URL",
	CouldntResolveHost:  "Couldn't resolve host name",
	CouldntConnect:      "Couldn't connect to server",
	WeirdServerReply:    "Weird server reply",
	PartialFile:         "Transferred a partial file",
	WriteError:          "Failed writing received data to disk/application",
	OperationTimedout:   "Timeout was reached",
	AbortedByCallback:   "Operation was aborted by an application callback",
	GotNothing:          "Server returned nothing (no headers, no data)",
	SendError:           "Failed sending data to the peer",
	RecvError:           "Failure when receiving data from the peer",
}

func (c Code) String() string {
	if s, ok := codeText[c]; ok {
		return s
	}

	return "Unknown error " + strconv.Itoa(int(c))
}
