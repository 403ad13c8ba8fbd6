package execution

import (
	"github.com/GriffinCanCode/netengine/pkg/handlepool"
	"github.com/GriffinCanCode/netengine/pkg/transfer"
)

var codeStatus = map[handlepool.Code]transfer.ConnectionStatus{
	handlepool.OK:                  transfer.StatusOK,
	handlepool.CouldntConnect:      transfer.StatusCouldNotConnect,
	handlepool.CouldntResolveHost:  transfer.StatusCouldNotConnect,
	handlepool.CouldntResolveProxy: transfer.StatusCouldNotResolveProxy,
	handlepool.OperationTimedOut:   transfer.StatusTimeout,
	handlepool.AbortedByCallback:   transfer.StatusCanceled,
	handlepool.ForcedReset:         transfer.StatusCanceled,
	handlepool.SSLCertProblem:      transfer.StatusCertificateError,
	handlepool.SSLCACert:           transfer.StatusCertificateError,
	handlepool.SSLConnectError:     transfer.StatusCertificateError,
	handlepool.RecvError:           transfer.StatusConnectionLost,
	handlepool.SendError:           transfer.StatusConnectionLost,
	handlepool.PartialFile:         transfer.StatusConnectionLost,
	handlepool.GotNothing:          transfer.StatusConnectionLost,
	handlepool.TooManyRedirects:    transfer.StatusUnknownError,
	handlepool.WriteError:          transfer.StatusUnknownError,
	handlepool.Unknown:             transfer.StatusUnknownError,
}

// StatusForCode maps a native outcome to a ConnectionStatus.
func StatusForCode(code handlepool.Code) transfer.ConnectionStatus {
	if s, ok := codeStatus[code]; ok {
		return s
	}
	return transfer.StatusUnknownError
}
