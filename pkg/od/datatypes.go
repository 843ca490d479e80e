package od

// Data type codes as assigned by CiA 301. The basic set (through DOMAIN,
// REAL64, INTEGER64, UNSIGNED64) mirrors what EDS/DCF files in the wild
// actually use; the odd-width integers and the two TIME types complete the
// table for devices that map them (rare, but legal).
const (
	BOOLEAN        uint8 = 0x01
	INTEGER8       uint8 = 0x02
	INTEGER16      uint8 = 0x03
	INTEGER32      uint8 = 0x04
	UNSIGNED8      uint8 = 0x05
	UNSIGNED16     uint8 = 0x06
	UNSIGNED32     uint8 = 0x07
	REAL32         uint8 = 0x08
	VISIBLE_STRING uint8 = 0x09
	OCTET_STRING   uint8 = 0x0A
	UNICODE_STRING uint8 = 0x0B
	TIME_OF_DAY    uint8 = 0x0C
	TIME_DIFF      uint8 = 0x0D
	DOMAIN         uint8 = 0x0F
	INTEGER24      uint8 = 0x10
	REAL64         uint8 = 0x11
	INTEGER40      uint8 = 0x12
	INTEGER48      uint8 = 0x13
	INTEGER56      uint8 = 0x14
	INTEGER64      uint8 = 0x15
	UNSIGNED24     uint8 = 0x16
	UNSIGNED40     uint8 = 0x18
	UNSIGNED48     uint8 = 0x19
	UNSIGNED56     uint8 = 0x1A
	UNSIGNED64     uint8 = 0x1B
)

// Subindices of an RPDO/TPDO communication parameter record (0x14xx/0x18xx).
const (
	SubPdoCobId            uint8 = 1
	SubPdoTransmissionType uint8 = 2
	SubPdoInhibitTime      uint8 = 3
	SubPdoEventTimer       uint8 = 5
	SubPdoSyncStart        uint8 = 6
)
