// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package bucket

import (
	reflect "reflect"

	common "github.com/Fantom-foundation/accountsdb/common"
	gomock "go.uber.org/mock/gomock"
)

// MockStore is a mock of Store interface.
type MockStore[I Index, V any] struct {
	ctrl     *gomock.Controller
	recorder *MockStoreMockRecorder[I, V]
}

// MockStoreMockRecorder is the mock recorder for MockStore.
type MockStoreMockRecorder[I Index, V any] struct {
	mock *MockStore[I, V]
}

// NewMockStore creates a new mock instance.
func NewMockStore[I Index, V any](ctrl *gomock.Controller) *MockStore[I, V] {
	mock := &MockStore[I, V]{ctrl: ctrl}
	mock.recorder = &MockStoreMockRecorder[I, V]{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockStore[I, V]) EXPECT() *MockStoreMockRecorder[I, V] {
	return m.recorder
}

// Close mocks base method.
func (m *MockStore[I, V]) Close() error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Close")
	ret0, _ := ret[0].(error)
	return ret0
}

// Close indicates an expected call of Close.
func (mr *MockStoreMockRecorder[I, V]) Close() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Close", reflect.TypeOf((*MockStore[I, V])(nil).Close))
}

// Delete mocks base method.
func (m *MockStore[I, V]) Delete(arg0 I) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Delete", arg0)
	ret0, _ := ret[0].(error)
	return ret0
}

// Delete indicates an expected call of Delete.
func (mr *MockStoreMockRecorder[I, V]) Delete(arg0 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Delete", reflect.TypeOf((*MockStore[I, V])(nil).Delete), arg0)
}

// Flush mocks base method.
func (m *MockStore[I, V]) Flush() error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Flush")
	ret0, _ := ret[0].(error)
	return ret0
}

// Flush indicates an expected call of Flush.
func (mr *MockStoreMockRecorder[I, V]) Flush() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Flush", reflect.TypeOf((*MockStore[I, V])(nil).Flush))
}

// Get mocks base method.
func (m *MockStore[I, V]) Get(arg0 I) (V, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Get", arg0)
	ret0, _ := ret[0].(V)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Get indicates an expected call of Get.
func (mr *MockStoreMockRecorder[I, V]) Get(arg0 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Get", reflect.TypeOf((*MockStore[I, V])(nil).Get), arg0)
}

// GetMemoryFootprint mocks base method.
func (m *MockStore[I, V]) GetMemoryFootprint() *common.MemoryFootprint {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "GetMemoryFootprint")
	ret0, _ := ret[0].(*common.MemoryFootprint)
	return ret0
}

// GetMemoryFootprint indicates an expected call of GetMemoryFootprint.
func (mr *MockStoreMockRecorder[I, V]) GetMemoryFootprint() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GetMemoryFootprint", reflect.TypeOf((*MockStore[I, V])(nil).GetMemoryFootprint))
}

// Len mocks base method.
func (m *MockStore[I, V]) Len() int {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Len")
	ret0, _ := ret[0].(int)
	return ret0
}

// Len indicates an expected call of Len.
func (mr *MockStoreMockRecorder[I, V]) Len() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Len", reflect.TypeOf((*MockStore[I, V])(nil).Len))
}

// New mocks base method.
func (m *MockStore[I, V]) New() (I, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "New")
	ret0, _ := ret[0].(I)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// New indicates an expected call of New.
func (mr *MockStoreMockRecorder[I, V]) New() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "New", reflect.TypeOf((*MockStore[I, V])(nil).New))
}

// Set mocks base method.
func (m *MockStore[I, V]) Set(arg0 I, arg1 V) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Set", arg0, arg1)
	ret0, _ := ret[0].(error)
	return ret0
}

// Set indicates an expected call of Set.
func (mr *MockStoreMockRecorder[I, V]) Set(arg0, arg1 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Set", reflect.TypeOf((*MockStore[I, V])(nil).Set), arg0, arg1)
}

// MockValueEncoder is a mock of ValueEncoder interface.
type MockValueEncoder[V any] struct {
	ctrl     *gomock.Controller
	recorder *MockValueEncoderMockRecorder[V]
}

// MockValueEncoderMockRecorder is the mock recorder for MockValueEncoder.
type MockValueEncoderMockRecorder[V any] struct {
	mock *MockValueEncoder[V]
}

// NewMockValueEncoder creates a new mock instance.
func NewMockValueEncoder[V any](ctrl *gomock.Controller) *MockValueEncoder[V] {
	mock := &MockValueEncoder[V]{ctrl: ctrl}
	mock.recorder = &MockValueEncoderMockRecorder[V]{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockValueEncoder[V]) EXPECT() *MockValueEncoderMockRecorder[V] {
	return m.recorder
}

// GetEncodedSize mocks base method.
func (m *MockValueEncoder[V]) GetEncodedSize() int {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "GetEncodedSize")
	ret0, _ := ret[0].(int)
	return ret0
}

// GetEncodedSize indicates an expected call of GetEncodedSize.
func (mr *MockValueEncoderMockRecorder[V]) GetEncodedSize() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GetEncodedSize", reflect.TypeOf((*MockValueEncoder[V])(nil).GetEncodedSize))
}

// Load mocks base method.
func (m *MockValueEncoder[V]) Load(arg0 []byte, arg1 *V) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Load", arg0, arg1)
	ret0, _ := ret[0].(error)
	return ret0
}

// Load indicates an expected call of Load.
func (mr *MockValueEncoderMockRecorder[V]) Load(arg0, arg1 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Load", reflect.TypeOf((*MockValueEncoder[V])(nil).Load), arg0, arg1)
}

// Store mocks base method.
func (m *MockValueEncoder[V]) Store(arg0 []byte, arg1 *V) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Store", arg0, arg1)
	ret0, _ := ret[0].(error)
	return ret0
}

// Store indicates an expected call of Store.
func (mr *MockValueEncoderMockRecorder[V]) Store(arg0, arg1 any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Store", reflect.TypeOf((*MockValueEncoder[V])(nil).Store), arg0, arg1)
}
