// Package event carries cross-cutting pipeline notifications. Stage
// handoffs never travel over the bus; it exists for observers such as
// the status gateway's activity feed.
package event

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/hbomb79/Sideline/pkg/logger"
)

var log = logger.Get("Event")

type (
	Event         string
	Payload       any
	HandlerMethod func(Event, Payload)

	HandlerChannel chan HandlerEvent
	HandlerEvent   struct {
		Event   Event
		Payload Payload
	}

	EventDispatcher interface {
		Dispatch(Event, Payload)
	}

	EventHandler interface {
		RegisterHandlerFunction(Event, HandlerMethod)
		RegisterHandlerChannel(HandlerChannel, ...Event)
	}

	EventCoordinator interface {
		EventDispatcher
		EventHandler
	}

	eventHandler struct {
		fnHandlers   map[Event][]HandlerMethod
		chanHandlers map[Event][]HandlerChannel
	}
)

const (
	// Camera connection transitions; payload is the event message.
	CameraConnected    Event = "camera:connected"
	CameraDisconnected Event = "camera:disconnected"

	// A group's state.json changed; payload is the group directory.
	GroupUpdate Event = "group:update"

	// A stage finished a task; payload is the task key.
	TaskComplete Event = "task:complete"
)

func New() EventCoordinator {
	return &eventHandler{
		fnHandlers:   make(map[Event][]HandlerMethod),
		chanHandlers: make(map[Event][]HandlerChannel),
	}
}

// RegisterHandlerChannel sends a HandlerEvent on the channel each time
// one of the given events is dispatched. Buffer the channel generously:
// a blocked handler channel blocks the dispatching stage.
func (handler *eventHandler) RegisterHandlerChannel(handle HandlerChannel, events ...Event) {
	for _, event := range events {
		handler.chanHandlers[event] = append(handler.chanHandlers[event], handle)
	}
}

// RegisterHandlerFunction registers a synchronous handler; it must
// return quickly for the same reason.
func (handler *eventHandler) RegisterHandlerFunction(event Event, handle HandlerMethod) {
	handler.fnHandlers[event] = append(handler.fnHandlers[event], handle)
}

func (handler *eventHandler) Dispatch(event Event, payload Payload) {
	if err := validatePayload(event, payload); err != nil {
		log.Errorf("Dispatch of %s rejected: %s\n", event, err.Error())
		return
	}

	for _, handle := range handler.fnHandlers[event] {
		handle(event, payload)
	}

	if handles, ok := handler.chanHandlers[event]; ok {
		message := HandlerEvent{event, payload}
		for _, handle := range handles {
			select {
			case handle <- message:
			default:
				log.Warnf("Handler channel for %s is blocked, dropping event\n", event)
			}
		}
	}
}

// validatePayload ensures dispatches carry the payload shape handlers
// are written against.
func validatePayload(event Event, payload Payload) error {
	switch event {
	case CameraConnected, CameraDisconnected, GroupUpdate, TaskComplete:
		if _, ok := payload.(string); !ok {
			var name string
			if t := reflect.TypeOf(payload); t != nil {
				name = t.Name()
			} else {
				name = "Nil"
			}
			return fmt.Errorf("illegal payload (type %s) for %s event, expected string", name, event)
		}
		return nil
	}

	return errors.New("event type not recognized for validation")
}
