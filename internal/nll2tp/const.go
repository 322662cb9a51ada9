package nll2tp

// Generic netlink family name and version for the kernel L2TP subsystem,
// as per include/uapi/linux/l2tp.h
const (
	GenlName    = "l2tp"
	GenlVersion = 0x1
)

// L2TP genl commands
const (
	CmdNoop          = 0
	CmdTunnelCreate  = 1
	CmdTunnelDelete  = 2
	CmdTunnelModify  = 3
	CmdTunnelGet     = 4
	CmdSessionCreate = 5
	CmdSessionDelete = 6
	CmdSessionModify = 7
	CmdSessionGet    = 8
)

// L2TP genl attributes
const (
	AttrNone          = 0
	AttrPwType        = 1
	AttrEncapType     = 2
	AttrOffset        = 3
	AttrDataSeq       = 4
	AttrL2specType    = 5
	AttrL2specLen     = 6
	AttrProtoVersion  = 7
	AttrIfname        = 8
	AttrConnId        = 9
	AttrPeerConnId    = 10
	AttrSessionId     = 11
	AttrPeerSessionId = 12
	AttrUdpCsum       = 13
	AttrVlanId        = 14
	AttrCookie        = 15
	AttrPeerCookie    = 16
	AttrDebug         = 17
	AttrRecvSeq       = 18
	AttrSendSeq       = 19
	AttrLnsMode       = 20
	AttrUsingIpsec    = 21
	AttrRecvTimeout   = 22
	AttrFd            = 23
	AttrIpSaddr       = 24
	AttrIpDaddr       = 25
	AttrUdpSport      = 26
	AttrUdpDport      = 27
	AttrMtu           = 28
	AttrMru           = 29
	AttrStats         = 30
	AttrIp6Saddr      = 31
	AttrIp6Daddr      = 32
)

// L2tpPwtype is the pseudowire type carried by a session.
type L2tpPwtype uint16

const (
	PwtypeNone    = L2tpPwtype(0x0000)
	PwtypeEthVlan = L2tpPwtype(0x0004)
	PwtypeEth     = L2tpPwtype(0x0005)
	PwtypePpp     = L2tpPwtype(0x0007)
	PwtypePppAc   = L2tpPwtype(0x0008)
	PwtypeIp      = L2tpPwtype(0x000b)
)

// L2tpEncapType is the lower-level encapsulation used by a tunnel.
type L2tpEncapType uint16

const (
	EncaptypeUdp = L2tpEncapType(0)
	EncaptypeIp  = L2tpEncapType(1)
)

// L2tpL2specType is the L2TPv3 Layer 2 specific sublayer type.
type L2tpL2specType uint8

const (
	L2spectypeNone    = L2tpL2specType(0)
	L2spectypeDefault = L2tpL2specType(1)
)

// L2tpDebugFlags controls kernel printk output for a tunnel or session.
type L2tpDebugFlags uint32

const (
	MsgDebug   = L2tpDebugFlags(1 << 0)
	MsgControl = L2tpDebugFlags(1 << 1)
	MsgSeq     = L2tpDebugFlags(1 << 2)
	MsgData    = L2tpDebugFlags(1 << 3)
)
