package sdo

// processIncoming routes a just-received client request to the appropriate
// rx handler depending on the current server state, resolving the target
// OD entry first when a new transfer is being started from idle.
func (s *SDOServer) processIncoming(rx SDOMessage) error {
	if s.state == stateIdle {
		if rx.IsAbort() {
			return nil
		}
		if err := s.updateStreamer(rx); err != nil {
			return err
		}
		switch {
		case (rx.raw[0] & 0xE0) == 0x20:
			return s.rxDownloadInitiate(rx)
		case (rx.raw[0] & 0xE0) == 0x40:
			return s.rxUploadInitiate(rx)
		case (rx.raw[0] & 0xE3) == 0xC0:
			return s.rxDownloadBlockInitiate(rx)
		case (rx.raw[0] & 0xE3) == 0xA0:
			return s.rxUploadBlockInitiate(rx)
		default:
			return AbortCmd
		}
	}

	switch s.state {
	case stateDownloadInitiateReq:
		return s.rxDownloadInitiate(rx)
	case stateDownloadSegmentReq:
		return s.rxDownloadSegment(rx)
	case stateUploadInitiateReq:
		return s.rxUploadInitiate(rx)
	case stateUploadSegmentReq:
		return s.rxUploadSegment(rx)
	case stateDownloadBlkInitiateReq:
		return s.rxDownloadBlockInitiate(rx)
	case stateDownloadBlkSubblockReq:
		return s.rxDownloadBlockSubBlock(rx)
	case stateDownloadBlkEndReq:
		return s.rxDownloadBlockEnd(rx)
	case stateUploadBlkInitiateReq:
		return s.rxUploadBlockInitiate(rx)
	case stateUploadBlkInitiateReq2:
		return s.rxUploadBlockInitiateReq2(rx)
	case stateUploadBlkSubblockSreq:
		return s.rxUploadSubBlock(rx)
	default:
		return AbortCmd
	}
}
