package umbrella

// InodeMap is the type of every slot in the inode table, indexed by inode number.
type InodeMap []InodeType

func (m InodeMap) String() string {
	return displayChunks(len(m), func(i int) byte {
		switch m[i] {
		case TypeFile:
			return 'f'
		case TypeDirectory:
			return 'd'
		}
		return '0'
	})
}

func (m InodeMap) FreeCount() int {
	n := 0
	for _, t := range m {
		if t == TypeFree {
			n++
		}
	}
	return n
}

// InodeMap reads the whole inode table.
func (s *Session) InodeMap() (InodeMap, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	m := make(InodeMap, s.sb.InodeCount)
	for ino := range m {
		in, err := s.readInode(Ino(ino))
		if err != nil {
			return nil, err
		}
		m[ino] = in.Type
	}
	return m, nil
}
