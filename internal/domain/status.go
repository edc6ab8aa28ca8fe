package domain

import "slices"

// transitions is an explicit allow-list of status moves for one entity type.
type transitions[S ~string] map[S][]S

func (t transitions[S]) allows(from, to S) bool {
	return slices.Contains(t[from], to)
}

// InvitationStatus is the lifecycle of an invitation.
type InvitationStatus string

const (
	InvitationPending           InvitationStatus = "pendente"
	InvitationAccepted          InvitationStatus = "aceito"
	InvitationConvertedPreOrder InvitationStatus = "convertido_pre_ordem"
	InvitationConvertedOrder    InvitationStatus = "convertido"
	InvitationRejected          InvitationStatus = "recusado"
	InvitationExpired           InvitationStatus = "expirado"
)

var invitationTransitions = transitions[InvitationStatus]{
	InvitationPending:  {InvitationAccepted, InvitationRejected, InvitationExpired},
	InvitationAccepted: {InvitationConvertedPreOrder, InvitationConvertedOrder},
}

// IsTerminal returns true if the invitation can no longer change.
func (s InvitationStatus) IsTerminal() bool {
	switch s {
	case InvitationConvertedPreOrder, InvitationConvertedOrder, InvitationRejected, InvitationExpired:
		return true
	}
	return false
}

// CanTransitionTo reports whether from s to next is a legal move.
func (s InvitationStatus) CanTransitionTo(next InvitationStatus) bool {
	return invitationTransitions.allows(s, next)
}

// PreOrderStatus is the lifecycle of a pre-order negotiation.
type PreOrderStatus string

const (
	PreOrderNegotiating    PreOrderStatus = "EM_NEGOCIACAO"
	PreOrderAwaitingReply  PreOrderStatus = "AGUARDANDO_RESPOSTA"
	PreOrderReadyToConvert PreOrderStatus = "PRONTO_CONVERSAO"
	PreOrderConverted      PreOrderStatus = "CONVERTIDA"
	PreOrderCancelled      PreOrderStatus = "CANCELADA"
	PreOrderExpired        PreOrderStatus = "EXPIRADA"
)

var preOrderTransitions = transitions[PreOrderStatus]{
	PreOrderNegotiating: {
		PreOrderAwaitingReply, PreOrderReadyToConvert, PreOrderCancelled, PreOrderExpired,
	},
	PreOrderAwaitingReply: {
		PreOrderNegotiating, PreOrderReadyToConvert, PreOrderCancelled, PreOrderExpired,
	},
	PreOrderReadyToConvert: {
		PreOrderConverted, PreOrderNegotiating, PreOrderCancelled, PreOrderExpired,
	},
}

func (s PreOrderStatus) IsTerminal() bool {
	switch s {
	case PreOrderConverted, PreOrderCancelled, PreOrderExpired:
		return true
	}
	return false
}

func (s PreOrderStatus) CanTransitionTo(next PreOrderStatus) bool {
	return preOrderTransitions.allows(s, next)
}

// IsNegotiable reports whether proposals may be created in this status.
func (s PreOrderStatus) IsNegotiable() bool {
	return s == PreOrderNegotiating || s == PreOrderAwaitingReply
}

// ProposalStatus is the lifecycle of one negotiation offer.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pendente"
	ProposalAccepted ProposalStatus = "aceita"
	ProposalRejected ProposalStatus = "rejeitada"
)

var proposalTransitions = transitions[ProposalStatus]{
	ProposalPending: {ProposalAccepted, ProposalRejected},
}

func (s ProposalStatus) CanTransitionTo(next ProposalStatus) bool {
	return proposalTransitions.allows(s, next)
}

// OrderStatus is the lifecycle of a funded order.
type OrderStatus string

const (
	OrderOpen             OrderStatus = "disponivel"
	OrderAwaitingStart    OrderStatus = "aguardando_execucao"
	OrderAccepted         OrderStatus = "aceita"
	OrderInProgress       OrderStatus = "em_andamento"
	OrderServiceCompleted OrderStatus = "servico_executado"
	OrderDisputed         OrderStatus = "contestada"
	OrderCompleted        OrderStatus = "concluida"
	OrderCancelled        OrderStatus = "cancelada"
	OrderResolved         OrderStatus = "resolvida"
)

var orderTransitions = transitions[OrderStatus]{
	OrderOpen:             {OrderAccepted, OrderCancelled},
	OrderAwaitingStart:    {OrderInProgress, OrderServiceCompleted, OrderCancelled},
	OrderAccepted:         {OrderInProgress, OrderServiceCompleted, OrderCancelled},
	OrderInProgress:       {OrderServiceCompleted, OrderCancelled},
	OrderServiceCompleted: {OrderCompleted, OrderDisputed},
	OrderDisputed:         {OrderCompleted, OrderCancelled, OrderResolved},
}

func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderCompleted, OrderCancelled, OrderResolved:
		return true
	}
	return false
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	return orderTransitions.allows(s, next)
}

// IsCancellable reports whether either party may still cancel unilaterally.
// Once the provider claims the work is done only confirmation, dispute or
// auto-confirmation can settle the order.
func (s OrderStatus) IsCancellable() bool {
	return s.CanTransitionTo(OrderCancelled) && s != OrderDisputed
}

// DisputeDecision is the admin verdict on a contested order.
type DisputeDecision string

const (
	DecisionFavorClient   DisputeDecision = "favor_cliente"
	DecisionFavorProvider DisputeDecision = "favor_prestador"
	DecisionSplit         DisputeDecision = "dividir_50_50"
)

// Valid reports whether d is one of the known decisions.
func (d DisputeDecision) Valid() bool {
	switch d {
	case DecisionFavorClient, DecisionFavorProvider, DecisionSplit:
		return true
	}
	return false
}

// ResultingStatus is the terminal order status a decision settles into.
func (d DisputeDecision) ResultingStatus() OrderStatus {
	switch d {
	case DecisionFavorClient:
		return OrderCancelled
	case DecisionFavorProvider:
		return OrderCompleted
	default:
		return OrderResolved
	}
}
