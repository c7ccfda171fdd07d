package xhci

import "github.com/bekos-project/bekos/internal/usb/core"

// makeSetupTRB builds a control transfer's Setup-stage TRB. trt (transfer
// type) is 0 when there's no data stage, 2 for an OUT data stage, 3 for an
// IN data stage, from xhci_ring.h's transfer::make_setup.
func makeSetupTRB(packet core.SetupPacket, dataStage bool) TRB {
	parameter := uint32(packet.RequestType) | uint32(packet.Request)<<8 | uint32(packet.Value)<<16
	status := uint32(packet.Index) | uint32(packet.DataLength)<<16
	trt := uint32(0)
	if dataStage {
		if packet.Direction() == core.DirectionIn {
			trt = 3
		} else {
			trt = 2
		}
	}
	control := uint32(1<<6) | trt<<16 // Immediate Data bit + TRT
	return makeTRB(TRBSetup, uint64(parameter), status, control)
}

// makeDataStageTRB builds a control transfer's Data-stage TRB, from
// xhci_ring.h's transfer::make_data_stage.
func makeDataStageTRB(dataPtr uint64, length int, dataIn bool) TRB {
	control := uint32(0)
	if dataIn {
		control |= 1 << 16
	}
	return makeTRB(TRBData, dataPtr, uint32(length&0x1FFFF), control)
}

// makeStatusTRB builds a control transfer's Status-stage TRB, from
// xhci_ring.h's transfer::make_status. ioc requests an interrupt on
// completion, set when a caller callback is waiting on this transfer.
func makeStatusTRB(statusIn, ioc bool) TRB {
	control := uint32(0)
	if statusIn {
		control |= 1 << 16
	}
	if ioc {
		control |= 1 << 5
	}
	return makeTRB(TRBStatus, 0, 0, control)
}
